//go:build !stdlog && !nolog
// +build !stdlog,!nolog

package build

import "os"

// LoggingType is a log type that writes to both stdout and the log rotator, if
// present.
const LoggingType = LogTypeDefault

// Write writes b to stdout unless console output is muted, and to the
// rotating file writer when one is attached.
func (w *LogWriter) Write(b []byte) (int, error) {
	if !w.NoConsole {
		_, _ = os.Stdout.Write(b)
	}

	if w.Rotator != nil {
		_, _ = w.Rotator.Write(b)
	}

	return len(b), nil
}
