package build

import "fmt"

const (
	// DefaultMaxLogFiles is the default maximum number of rolled log files
	// to keep.
	DefaultMaxLogFiles = 3

	// DefaultMaxLogFileSize is the default maximum log file size in MB.
	DefaultMaxLogFileSize = 10

	// compressorGzip and compressorNone are the accepted values for the
	// rolled log compressor.
	compressorGzip = "gzip"
	compressorNone = "none"
)

// LogConfig holds the daemon's log output options.
//
//nolint:lll
type LogConfig struct {
	Disable        bool   `long:"disable" description:"Disable the log file and only write to stdout." toml:"disable"`
	NoConsole      bool   `long:"noconsole" description:"Do not mirror log lines to stdout." toml:"no_console"`
	Compressor     string `long:"compressor" description:"Compression used for rolled log files." choice:"gzip" choice:"none" toml:"compressor"`
	MaxLogFiles    int    `long:"maxfiles" description:"Maximum rolled log files to keep (0 keeps only the active file)" toml:"max_files"`
	MaxLogFileSize int    `long:"maxfilesize" description:"Maximum log file size in MB before it is rolled" toml:"max_file_size"`
}

// DefaultLogConfig returns the default logging options.
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Compressor:     compressorGzip,
		MaxLogFiles:    DefaultMaxLogFiles,
		MaxLogFileSize: DefaultMaxLogFileSize,
	}
}

// Validate checks the LogConfig values.
func (c *LogConfig) Validate() error {
	switch c.Compressor {
	case compressorGzip, compressorNone:
	default:
		return fmt.Errorf("invalid log compressor: %v", c.Compressor)
	}

	if c.MaxLogFiles < 0 {
		return fmt.Errorf("maxfiles must not be negative, got %d",
			c.MaxLogFiles)
	}

	if c.MaxLogFileSize <= 0 {
		return fmt.Errorf("maxfilesize must be positive, got %d",
			c.MaxLogFileSize)
	}

	return nil
}
