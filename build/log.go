package build

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/btcsuite/btclog"
)

// LogType is an indicating the type of logging specified by the build flag.
type LogType byte

const (
	// LogTypeNone indicates no logging.
	LogTypeNone LogType = iota

	// LogTypeStdOut all logging is written directly to stdout.
	LogTypeStdOut

	// LogTypeDefault logs to stdout and, when attached, the log rotator.
	LogTypeDefault
)

// String returns a human readable identifier for the logging type.
func (t LogType) String() string {
	switch t {
	case LogTypeNone:
		return "none"
	case LogTypeStdOut:
		return "stdout"
	case LogTypeDefault:
		return "default"
	default:
		return "unknown"
	}
}

// LogWriter is the io.Writer behind the daemon's log backend. Its Write
// method depends on the "stdlog" and "nolog" build tags.
type LogWriter struct {
	// Rotator receives a copy of every line when the log file is enabled.
	Rotator io.Writer

	// NoConsole suppresses the stdout copy of each line.
	NoConsole bool
}

// NewSubLogger constructs a new subsystem log from the current LogWriter
// implementation. When genSubLogger is nil the returned logger is disabled,
// except in development builds logging to stdout.
func NewSubLogger(subsystem string,
	genSubLogger func(string) btclog.Logger) btclog.Logger {

	switch Deployment {
	case Production:
		if genSubLogger != nil {
			return genSubLogger(subsystem)
		}

	case Development:
		switch LoggingType {
		case LogTypeDefault:
			if genSubLogger != nil {
				return genSubLogger(subsystem)
			}

		// Unit tests under the stdlog tag get their own stdout backend
		// per subsystem at the level picked by build tags.
		case LogTypeStdOut:
			backend := btclog.NewBackend(&LogWriter{})
			logger := backend.Logger(subsystem)

			level, _ := btclog.LevelFromString(LogLevel)
			logger.SetLevel(level)

			return logger
		}
	}

	return btclog.Disabled
}

// SubLoggers is a map of subsystem loggers keyed by their subsystem name.
type SubLoggers map[string]btclog.Logger

// SupportedSubsystems returns the sorted subsystem names.
func (s SubLoggers) SupportedSubsystems() []string {
	subsystems := make([]string, 0, len(s))
	for name := range s {
		subsystems = append(subsystems, name)
	}
	sort.Strings(subsystems)

	return subsystems
}

// SetLogLevel sets the level of a single subsystem. Unknown subsystems are
// ignored.
func (s SubLoggers) SetLogLevel(subsystem, logLevel string) {
	logger, ok := s[subsystem]
	if !ok {
		return
	}

	// Defaults to info if the log level is invalid.
	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// SetLogLevels sets every subsystem to the same level.
func (s SubLoggers) SetLogLevels(logLevel string) {
	for subsystem := range s {
		s.SetLogLevel(subsystem, logLevel)
	}
}

// ParseAndSetDebugLevels parses a debug level specification and applies it
// to loggers. The specification is either a single level for every
// subsystem, or a comma separated list of SUBSYS=level pairs, optionally
// preceded by a global level.
func ParseAndSetDebugLevels(level string, loggers SubLoggers) error {
	levels := strings.Split(level, ",")

	// A leading entry without "=" is the level for all subsystems.
	if !strings.Contains(levels[0], "=") {
		if !validLogLevel(levels[0]) {
			return fmt.Errorf("the specified debug level [%v] is "+
				"invalid", levels[0])
		}

		loggers.SetLogLevels(levels[0])
		levels = levels[1:]
	}

	for _, pair := range levels {
		subsysID, logLevel, ok := strings.Cut(pair, "=")
		if !ok || strings.Contains(logLevel, "=") {
			return fmt.Errorf("the specified debug level has an "+
				"invalid format [%v] -- use format "+
				"subsystem1=level1,subsystem2=level2", pair)
		}

		if _, exists := loggers[subsysID]; !exists {
			return fmt.Errorf("the specified subsystem [%v] is "+
				"invalid -- supported subsystems are %v",
				subsysID, loggers.SupportedSubsystems())
		}

		if !validLogLevel(logLevel) {
			return fmt.Errorf("the specified debug level [%v] is "+
				"invalid", logLevel)
		}

		loggers.SetLogLevel(subsysID, logLevel)
	}

	return nil
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace", "debug", "info", "warn", "error", "critical", "off":
		return true
	}

	return false
}
