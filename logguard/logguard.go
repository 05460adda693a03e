package logguard

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hsguard/vanguards/queue"
	"github.com/hsguard/vanguards/tor"
	"github.com/lightningnetwork/lnd/clock"
)

// levels lists Tor log runlevels from least to most severe.
var levels = []tor.EventType{
	tor.EventDebug, tor.EventInfo, tor.EventNotice, tor.EventWarn,
	tor.EventErr,
}

func rank(level tor.EventType) int {
	for i, l := range levels {
		if l == level {
			return i
		}
	}

	return -1
}

// ParseLevel converts a runlevel name such as "notice" to its event type.
func ParseLevel(s string) (tor.EventType, error) {
	level := tor.EventType(strings.ToUpper(strings.TrimSpace(s)))
	if level == "ERROR" {
		level = tor.EventErr
	}
	if rank(level) < 0 {
		return "", fmt.Errorf("unknown tor log level %q", s)
	}

	return level, nil
}

// Config controls log buffering.
type Config struct {
	// DumpLimit is the number of log lines kept.
	DumpLimit int

	// DumpLevel is the lowest runlevel buffered.
	DumpLevel tor.EventType

	// ProtocolWarns asks Tor to log protocol violations.
	ProtocolWarns bool
}

// Entry is a buffered Tor log line.
type Entry struct {
	Level   tor.EventType
	Message string
	At      time.Time
}

// String formats the entry the way it is dumped.
func (e Entry) String() string {
	return fmt.Sprintf("TOR_%s[%s]: %s", e.Level,
		e.At.Format(time.ANSIC), e.Message)
}

// ConfSetter applies Tor options.
type ConfSetter interface {
	SetConf(ctx context.Context, pairs ...tor.ConfPair) error
}

// LogGuard keeps the most recent Tor log lines and dumps them around the
// circuits we close, so an operator can see what led up to it.
type LogGuard struct {
	cfg   Config
	clock clock.Clock
	buf   *queue.CircularBuffer[Entry]
}

// New creates a LogGuard.
func New(cfg *Config, clk clock.Clock) (*LogGuard, error) {
	if rank(cfg.DumpLevel) < 0 {
		return nil, fmt.Errorf("unknown tor log level %q", cfg.DumpLevel)
	}

	buf, err := queue.NewCircularBuffer[Entry](cfg.DumpLimit)
	if err != nil {
		return nil, fmt.Errorf("log dump limit: %w", err)
	}

	return &LogGuard{
		cfg:   *cfg,
		clock: clk,
		buf:   buf,
	}, nil
}

// EventTypes returns the log events to subscribe to. WARN and above are
// always included so they can be echoed.
func (l *LogGuard) EventTypes() []tor.EventType {
	from := min(rank(l.cfg.DumpLevel), rank(tor.EventWarn))

	return append([]tor.EventType(nil), levels[from:]...)
}

// Setup enables protocol warnings when configured.
func (l *LogGuard) Setup(ctx context.Context, tc ConfSetter) error {
	if !l.cfg.ProtocolWarns {
		return nil
	}

	err := tc.SetConf(ctx, tor.ConfPair{
		Key: "ProtocolWarnings", Value: "1",
	})
	if err != nil {
		return fmt.Errorf("unable to enable protocol warnings: %w", err)
	}

	return nil
}

// HandleEvent buffers log events and dumps the buffer after a circuit we
// asked for is closed.
func (l *LogGuard) HandleEvent(ev tor.Event) {
	switch e := ev.(type) {
	case *tor.LogEvent:
		l.handleLog(e)

	case *tor.CircEvent:
		if (e.Status == "CLOSED" || e.Status == "FAILED") &&
			e.Reason == "REQUESTED" {

			l.Dump(e.ID, "Post")
		}
	}
}

func (l *LogGuard) handleLog(ev *tor.LogEvent) {
	switch ev.Runlevel {
	case tor.EventWarn:
		log.Warnf("Tor log warn: %s", ev.Message)
	case tor.EventErr:
		log.Errorf("Tor log err: %s", ev.Message)
	}

	if rank(ev.Runlevel) < rank(l.cfg.DumpLevel) {
		return
	}

	l.buf.Add(Entry{
		Level:   ev.Runlevel,
		Message: ev.Message,
		At:      l.clock.Now(),
	})
}

// PreClose dumps the buffer before we close a circuit.
func (l *LogGuard) PreClose(circID string) []string {
	return l.Dump(circID, "Pre")
}

// Dump logs and empties the buffer. It returns the dumped lines.
func (l *LogGuard) Dump(circID, when string) []string {
	entries := l.buf.List()
	l.buf.Reset()

	lines := make([]string, 0, len(entries))
	for _, entry := range entries {
		line := fmt.Sprintf("%s-close CIRC ID=%s Tor log: %v", when,
			circID, entry)
		log.Info(line)
		lines = append(lines, line)
	}

	return lines
}

// Len returns the number of buffered lines.
func (l *LogGuard) Len() int {
	return l.buf.Len()
}
