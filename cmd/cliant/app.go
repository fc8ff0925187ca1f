package main

import (
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/val-en-tine124/cliant/internal/config"
	"github.com/val-en-tine124/cliant/internal/domain"
	httpclient "github.com/val-en-tine124/cliant/internal/http"
	"github.com/val-en-tine124/cliant/internal/logger"
)

// app holds the flags shared by all commands.
type app struct {
	stdout io.Writer
	stderr io.Writer

	configPath string
	quiet      bool
	verbose    int
	logFormat  string

	timeout      time.Duration
	maxRedirects int
	username     string
	password     string
	proxy        string
	userAgent    string
	headers      []string
	cookies      []string
	http1Only    bool
}

func (a *app) bindGlobalFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.StringVar(&a.configPath, "config", "", "YAML configuration file")
	f.BoolVarP(&a.quiet, "quiet", "q", false, "Only print errors")
	f.CountVarP(&a.verbose, "verbose", "v", "Increase log verbosity (-v info, -vv debug)")
	f.StringVar(&a.logFormat, "log-format", "", "Log format: console or json")

	f.DurationVar(&a.timeout, "timeout", 0, "Idle timeout for HTTP responses and body reads (default 1m0s)")
	f.IntVar(&a.maxRedirects, "max-redirects", 0, "Maximum redirects to follow (default 10)")
	f.StringVarP(&a.username, "user", "u", "", "Basic auth username (or CLIANT_HTTP_USERNAME)")
	f.StringVar(&a.password, "password", "", "Basic auth password (or CLIANT_HTTP_PASSWORD)")
	f.StringVar(&a.proxy, "proxy", "", "Proxy URL")
	f.StringVar(&a.userAgent, "user-agent", "", "User-Agent header")
	f.StringArrayVarP(&a.headers, "header", "H", nil, `Extra request header "Key: Value" (repeatable)`)
	f.StringArrayVar(&a.cookies, "cookie", nil, `Cookie "name=value" (repeatable)`)
	f.BoolVar(&a.http1Only, "http1", false, "Only use HTTP/1.1")
}

// loadConfig merges defaults, the config file, the environment and the
// flags that were set on the command line, in that order.
func (a *app) loadConfig(override config.Config) (config.Config, error) {
	cfg := config.Default()
	if a.configPath != "" {
		var err error
		if cfg, err = config.LoadFromFile(a.configPath); err != nil {
			return config.Config{}, &domain.ConfigurationError{Field: "config", Reason: err.Error()}
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return config.Config{}, &domain.ConfigurationError{Field: "environment", Reason: err.Error()}
	}

	override.Log.Format = a.logFormat
	override.HTTP = config.HTTPConfig{
		Timeout:      a.timeout,
		MaxRedirects: a.maxRedirects,
		Username:     a.username,
		Password:     a.password,
		Proxy:        a.proxy,
		UserAgent:    a.userAgent,
		Headers:      a.headers,
		Cookies:      a.cookies,
		HTTP1Only:    a.http1Only,
	}
	cfg = cfg.Merge(override)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// newLogger builds the logger for cfg. -q and -v win over the config file;
// CLIANT_LOG_LEVEL wins over both.
func (a *app) newLogger(cfg config.Config) (*zap.Logger, error) {
	level := logger.LevelFromVerbosity(a.quiet, a.verbose)
	if !a.quiet && a.verbose == 0 && os.Getenv(logger.EnvLevel) == "" && cfg.Log.Level != "" {
		level = cfg.Log.Level
	}
	log, err := logger.New(logger.Options{
		Level:  level,
		Format: cfg.Log.Format,
		Output: a.stderr,
	})
	if err != nil {
		return nil, &domain.ConfigurationError{Field: "log", Reason: err.Error()}
	}
	return log, nil
}

func (a *app) newClient(cfg config.Config, log *zap.Logger) (*httpclient.Client, error) {
	opts, err := cfg.HTTPOptions()
	if err != nil {
		return nil, err
	}
	opts.MaxIdleConnsPerHost = max(opts.MaxIdleConnsPerHost, cfg.Concurrency*2)
	opts.Logger = log
	return httpclient.NewClient(opts)
}
