// Package config defines configuration structures for the cliant CLI.
//
// Configuration can be provided via (lowest precedence first):
//   - Built-in defaults
//   - YAML configuration file
//   - Environment variables (CLIANT_ prefix)
//   - Command-line flags
//
// Sizes accept SI and IEC suffixes ("4MiB", "10MB"); durations use
// time.ParseDuration syntax.
//
// # Structure
//
//	type Config struct {
//	    Concurrency    int
//	    MinSegmentSize int64
//	    BufferSize     int64
//	    Deadline       time.Duration
//	    Retry          RetryConfig
//	    HTTP           HTTPConfig
//	    Log            LogConfig
//	}
//
//	type RetryConfig struct {
//	    Retries  *int
//	    Delay    time.Duration
//	    MaxDelay time.Duration
//	}
package config
