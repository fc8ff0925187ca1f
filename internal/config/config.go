package config

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/val-en-tine124/cliant/internal/domain"
	httpclient "github.com/val-en-tine124/cliant/internal/http"
	"github.com/val-en-tine124/cliant/internal/logger"
	"github.com/val-en-tine124/cliant/internal/planner"
	"github.com/val-en-tine124/cliant/internal/progress"
	"github.com/val-en-tine124/cliant/internal/writer"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv.
const EnvPrefix = "CLIANT_"

// Config defines configuration for the cliant CLI.
type Config struct {
	Concurrency    int           `yaml:"concurrency"`
	MinSegmentSize int64         `yaml:"min_segment_size"`
	BufferSize     int64         `yaml:"buffer_size"`
	Deadline       time.Duration `yaml:"deadline"`
	Retry          RetryConfig   `yaml:"retry"`
	HTTP           HTTPConfig    `yaml:"http"`
	Log            LogConfig     `yaml:"log"`
}

// RetryConfig defines retry behavior. Retries is a pointer because zero
// retries is a valid setting.
type RetryConfig struct {
	Retries  *int          `yaml:"retries"`
	Delay    time.Duration `yaml:"delay"`
	MaxDelay time.Duration `yaml:"max_delay"`
}

// HTTPConfig defines the HTTP client.
type HTTPConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	MaxRedirects int           `yaml:"max_redirects"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	Proxy        string        `yaml:"proxy"`
	UserAgent    string        `yaml:"user_agent"`
	Headers      []string      `yaml:"headers"`
	Cookies      []string      `yaml:"cookies"`
	HTTP1Only    bool          `yaml:"http1_only"`
}

// LogConfig defines logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Concurrency:    domain.DefaultConcurrency,
		MinSegmentSize: planner.DefaultMinSegmentSize,
		BufferSize:     writer.DefaultBufferSize,
		Retry: RetryConfig{
			Retries:  Int(domain.DefaultRetries),
			Delay:    domain.DefaultRetryDelay,
			MaxDelay: domain.DefaultMaxRetryDelay,
		},
		HTTP: HTTPConfig{
			Timeout:      60 * time.Second,
			MaxRedirects: 10,
			UserAgent:    httpclient.DefaultUserAgent,
		},
		Log: LogConfig{
			Format: "console",
		},
	}
}

// Int returns a pointer to n.
func Int(n int) *int {
	return &n
}

// yamlConfig is used for YAML unmarshaling with string sizes and durations.
type yamlConfig struct {
	Concurrency    int             `yaml:"concurrency"`
	MinSegmentSize string          `yaml:"min_segment_size"`
	BufferSize     string          `yaml:"buffer_size"`
	Deadline       string          `yaml:"deadline"`
	Retry          yamlRetryConfig `yaml:"retry"`
	HTTP           yamlHTTPConfig  `yaml:"http"`
	Log            LogConfig       `yaml:"log"`
}

type yamlRetryConfig struct {
	Retries  *int   `yaml:"retries"`
	Delay    string `yaml:"delay"`
	MaxDelay string `yaml:"max_delay"`
}

type yamlHTTPConfig struct {
	Timeout      string   `yaml:"timeout"`
	MaxRedirects int      `yaml:"max_redirects"`
	Username     string   `yaml:"username"`
	Password     string   `yaml:"password"`
	Proxy        string   `yaml:"proxy"`
	UserAgent    string   `yaml:"user_agent"`
	Headers      []string `yaml:"headers"`
	Cookies      []string `yaml:"cookies"`
	HTTP1Only    bool     `yaml:"http1_only"`
}

// LoadFromFile loads configuration from a YAML file. Unset keys keep their
// defaults.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	var override Config
	override.Concurrency = yc.Concurrency
	if override.MinSegmentSize, err = parseSize("min_segment_size", yc.MinSegmentSize); err != nil {
		return Config{}, err
	}
	if override.BufferSize, err = parseSize("buffer_size", yc.BufferSize); err != nil {
		return Config{}, err
	}
	if override.Deadline, err = parseDuration("deadline", yc.Deadline); err != nil {
		return Config{}, err
	}

	override.Retry.Retries = yc.Retry.Retries
	if override.Retry.Delay, err = parseDuration("retry.delay", yc.Retry.Delay); err != nil {
		return Config{}, err
	}
	if override.Retry.MaxDelay, err = parseDuration("retry.max_delay", yc.Retry.MaxDelay); err != nil {
		return Config{}, err
	}

	if override.HTTP.Timeout, err = parseDuration("http.timeout", yc.HTTP.Timeout); err != nil {
		return Config{}, err
	}
	override.HTTP.MaxRedirects = yc.HTTP.MaxRedirects
	override.HTTP.Username = yc.HTTP.Username
	override.HTTP.Password = yc.HTTP.Password
	override.HTTP.Proxy = yc.HTTP.Proxy
	override.HTTP.UserAgent = yc.HTTP.UserAgent
	override.HTTP.Headers = yc.HTTP.Headers
	override.HTTP.Cookies = yc.HTTP.Cookies
	override.HTTP.HTTP1Only = yc.HTTP.HTTP1Only

	override.Log = yc.Log

	return Default().Merge(override), nil
}

func parseSize(key, v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	size, err := progress.ParseBytes(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return size, nil
}

func parseDuration(key, v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the CLIANT_ prefix.
func (c *Config) LoadFromEnv() error {
	var err error
	if v := env("CONCURRENCY"); v != "" {
		if c.Concurrency, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("parse %sCONCURRENCY: %w", EnvPrefix, err)
		}
	}
	if v := env("MIN_SEGMENT_SIZE"); v != "" {
		if c.MinSegmentSize, err = parseSize(EnvPrefix+"MIN_SEGMENT_SIZE", v); err != nil {
			return err
		}
	}
	if v := env("BUFFER_SIZE"); v != "" {
		if c.BufferSize, err = parseSize(EnvPrefix+"BUFFER_SIZE", v); err != nil {
			return err
		}
	}
	if v := env("DEADLINE"); v != "" {
		if c.Deadline, err = parseDuration(EnvPrefix+"DEADLINE", v); err != nil {
			return err
		}
	}
	if v := env("RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %sRETRIES: %w", EnvPrefix, err)
		}
		c.Retry.Retries = Int(n)
	}
	if v := env("RETRY_DELAY"); v != "" {
		if c.Retry.Delay, err = parseDuration(EnvPrefix+"RETRY_DELAY", v); err != nil {
			return err
		}
	}
	if v := env("MAX_RETRY_DELAY"); v != "" {
		if c.Retry.MaxDelay, err = parseDuration(EnvPrefix+"MAX_RETRY_DELAY", v); err != nil {
			return err
		}
	}
	if v := env("HTTP_TIMEOUT"); v != "" {
		if c.HTTP.Timeout, err = parseDuration(EnvPrefix+"HTTP_TIMEOUT", v); err != nil {
			return err
		}
	}
	if v := env("HTTP_MAX_REDIRECTS"); v != "" {
		if c.HTTP.MaxRedirects, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("parse %sHTTP_MAX_REDIRECTS: %w", EnvPrefix, err)
		}
	}
	if v := env("HTTP_USERNAME"); v != "" {
		c.HTTP.Username = v
	}
	if v := env("HTTP_PASSWORD"); v != "" {
		c.HTTP.Password = v
	}
	if v := env("HTTP_PROXY"); v != "" {
		c.HTTP.Proxy = v
	}
	if v := env("HTTP_USER_AGENT"); v != "" {
		c.HTTP.UserAgent = v
	}
	if v := env("HTTP1_ONLY"); v != "" {
		c.HTTP.HTTP1Only = v == "true" || v == "1"
	}
	if v := env("LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	return nil
}

func env(key string) string {
	return os.Getenv(EnvPrefix + key)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	invalid := func(field, reason string) error {
		return &domain.ConfigurationError{Field: field, Reason: reason}
	}
	switch {
	case c.Concurrency < 1:
		return invalid("concurrency", fmt.Sprintf("must be at least 1, got %d", c.Concurrency))
	case c.MinSegmentSize <= 0:
		return invalid("min_segment_size", "must be positive")
	case c.BufferSize <= 0:
		return invalid("buffer_size", "must be positive")
	case c.Deadline < 0:
		return invalid("deadline", "must not be negative")
	case c.Retry.Retries != nil && *c.Retry.Retries < 0:
		return invalid("retries", fmt.Sprintf("must not be negative, got %d", *c.Retry.Retries))
	case c.Retry.Delay <= 0:
		return invalid("retry_delay", "must be positive")
	case c.Retry.MaxDelay < 0:
		return invalid("max_retry_delay", "must not be negative")
	case c.HTTP.Timeout < 0:
		return invalid("http.timeout", "must not be negative")
	case c.HTTP.MaxRedirects < 0:
		return invalid("http.max_redirects", "must not be negative")
	}
	if c.Log.Level != "" {
		if _, err := logger.ParseLevel(c.Log.Level); err != nil {
			return invalid("log.level", err.Error())
		}
	}
	if c.Log.Format != "" && c.Log.Format != "console" && c.Log.Format != "json" {
		return invalid("log.format", fmt.Sprintf("must be console or json, got %q", c.Log.Format))
	}
	return nil
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored.
func (c Config) Merge(override Config) Config {
	if override.Concurrency != 0 {
		c.Concurrency = override.Concurrency
	}
	if override.MinSegmentSize != 0 {
		c.MinSegmentSize = override.MinSegmentSize
	}
	if override.BufferSize != 0 {
		c.BufferSize = override.BufferSize
	}
	if override.Deadline != 0 {
		c.Deadline = override.Deadline
	}
	if override.Retry.Retries != nil {
		c.Retry.Retries = override.Retry.Retries
	}
	if override.Retry.Delay != 0 {
		c.Retry.Delay = override.Retry.Delay
	}
	if override.Retry.MaxDelay != 0 {
		c.Retry.MaxDelay = override.Retry.MaxDelay
	}
	if override.HTTP.Timeout != 0 {
		c.HTTP.Timeout = override.HTTP.Timeout
	}
	if override.HTTP.MaxRedirects != 0 {
		c.HTTP.MaxRedirects = override.HTTP.MaxRedirects
	}
	if override.HTTP.Username != "" {
		c.HTTP.Username = override.HTTP.Username
	}
	if override.HTTP.Password != "" {
		c.HTTP.Password = override.HTTP.Password
	}
	if override.HTTP.Proxy != "" {
		c.HTTP.Proxy = override.HTTP.Proxy
	}
	if override.HTTP.UserAgent != "" {
		c.HTTP.UserAgent = override.HTTP.UserAgent
	}
	if len(override.HTTP.Headers) > 0 {
		c.HTTP.Headers = append(append([]string(nil), c.HTTP.Headers...), override.HTTP.Headers...)
	}
	if len(override.HTTP.Cookies) > 0 {
		c.HTTP.Cookies = append(append([]string(nil), c.HTTP.Cookies...), override.HTTP.Cookies...)
	}
	if override.HTTP.HTTP1Only {
		c.HTTP.HTTP1Only = true
	}
	if override.Log.Level != "" {
		c.Log.Level = override.Log.Level
	}
	if override.Log.Format != "" {
		c.Log.Format = override.Log.Format
	}
	return c
}

// TransferRequest builds the request for one download.
func (c *Config) TransferRequest(id, source, destination string) domain.TransferRequest {
	retries := domain.DefaultRetries
	if c.Retry.Retries != nil {
		retries = *c.Retry.Retries
	}
	return domain.TransferRequest{
		ID:            id,
		Source:        source,
		Destination:   destination,
		SizeHint:      domain.UnknownSize,
		Concurrency:   c.Concurrency,
		Retries:       retries,
		RetryDelay:    c.Retry.Delay,
		MaxRetryDelay: c.Retry.MaxDelay,
		Deadline:      c.Deadline,
	}
}

// HTTPOptions builds the HTTP client options. Headers use the "Key: Value"
// form and cookies the "name=value" form.
func (c *Config) HTTPOptions() (httpclient.Options, error) {
	opts := httpclient.DefaultOptions()
	if c.HTTP.Timeout != 0 {
		opts.Timeout = c.HTTP.Timeout
	}
	if c.HTTP.MaxRedirects != 0 {
		opts.MaxRedirects = c.HTTP.MaxRedirects
	}
	if c.HTTP.UserAgent != "" {
		opts.UserAgent = c.HTTP.UserAgent
	}
	opts.Username = c.HTTP.Username
	opts.Password = c.HTTP.Password
	opts.Proxy = c.HTTP.Proxy
	opts.HTTP1Only = c.HTTP.HTTP1Only

	if len(c.HTTP.Headers) > 0 {
		opts.Headers = make(http.Header)
		for _, line := range c.HTTP.Headers {
			key, value, err := httpclient.ParseHeader(line)
			if err != nil {
				return httpclient.Options{}, &domain.ConfigurationError{Field: "header", Reason: err.Error()}
			}
			opts.Headers.Add(key, value)
		}
	}
	for _, s := range c.HTTP.Cookies {
		for _, part := range strings.Split(s, ";") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			cookie, err := httpclient.ParseCookie(part)
			if err != nil {
				return httpclient.Options{}, &domain.ConfigurationError{Field: "cookie", Reason: err.Error()}
			}
			opts.Cookies = append(opts.Cookies, cookie)
		}
	}
	return opts, nil
}
