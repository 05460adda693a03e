package tor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// EventType is the keyword Tor uses for an asynchronous event, as passed to
// SETEVENTS.
type EventType string

const (
	EventCirc            EventType = "CIRC"
	EventCircMinor       EventType = "CIRC_MINOR"
	EventCircBW          EventType = "CIRC_BW"
	EventStream          EventType = "STREAM"
	EventBW              EventType = "BW"
	EventORConn          EventType = "ORCONN"
	EventNetworkLiveness EventType = "NETWORK_LIVENESS"
	EventNewConsensus    EventType = "NEWCONSENSUS"
	EventSignal          EventType = "SIGNAL"
	EventDebug           EventType = "DEBUG"
	EventInfo            EventType = "INFO"
	EventNotice          EventType = "NOTICE"
	EventWarn            EventType = "WARN"
	EventErr             EventType = "ERR"
)

// LogEventTypes lists the Tor log runlevels from most to least verbose.
var LogEventTypes = []EventType{
	EventDebug, EventInfo, EventNotice, EventWarn, EventErr,
}

// errEmptyEvent is returned when an event reply carries no text.
var errEmptyEvent = errors.New("empty event")

// Event is an asynchronous notification received from Tor.
type Event interface {
	// Type returns the event keyword.
	Type() EventType
}

// PathHop is a single relay in a circuit path.
type PathHop struct {
	// Fingerprint is the upper case hex identity digest.
	Fingerprint string

	// Nickname is the relay nickname if Tor included it.
	Nickname string
}

// CircEvent reports a circuit status change.
type CircEvent struct {
	ID           string
	Status       string
	Path         []PathHop
	BuildFlags   []string
	Purpose      string
	HSState      string
	RendQuery    string
	TimeCreated  string
	Reason       string
	RemoteReason string
}

// Type returns EventCirc.
func (e *CircEvent) Type() EventType { return EventCirc }

// CircMinorEvent reports a purpose change or cannibalization of a circuit.
type CircMinorEvent struct {
	ID         string
	Event      string
	Path       []PathHop
	Purpose    string
	HSState    string
	OldPurpose string
	OldHSState string
}

// Type returns EventCircMinor.
func (e *CircMinorEvent) Type() EventType { return EventCircMinor }

// CircBWEvent reports bytes moved on a circuit since the previous event.
type CircBWEvent struct {
	ID               string
	Read             uint64
	Written          uint64
	DeliveredRead    uint64
	DeliveredWritten uint64
	OverheadRead     uint64
	OverheadWritten  uint64
}

// Type returns EventCircBW.
func (e *CircBWEvent) Type() EventType { return EventCircBW }

// StreamEvent reports a stream status change.
type StreamEvent struct {
	ID      string
	Status  string
	CircID  string
	Target  string
	Reason  string
	Purpose string
}

// Type returns EventStream.
func (e *StreamEvent) Type() EventType { return EventStream }

// BWEvent is Tor's once-a-second total bandwidth report.
type BWEvent struct {
	Read    uint64
	Written uint64
}

// Type returns EventBW.
func (e *BWEvent) Type() EventType { return EventBW }

// ORConnEvent reports an OR connection status change.
type ORConnEvent struct {
	// Target is the raw target: "$FP~nick", "$FP=nick" or "addr:port".
	Target string

	// Fingerprint is set when Target names a relay.
	Fingerprint string

	Status string
	Reason string
	ConnID string
}

// Type returns EventORConn.
func (e *ORConnEvent) Type() EventType { return EventORConn }

// NetworkLivenessEvent reports whether Tor believes the network is up.
type NetworkLivenessEvent struct {
	Status string
}

// Type returns EventNetworkLiveness.
func (e *NetworkLivenessEvent) Type() EventType { return EventNetworkLiveness }

// NewConsensusEvent signals that Tor has a new consensus.
type NewConsensusEvent struct{}

// Type returns EventNewConsensus.
func (e *NewConsensusEvent) Type() EventType { return EventNewConsensus }

// SignalEvent reports that Tor acted on a signal, e.g. RELOAD.
type SignalEvent struct {
	Signal string
}

// Type returns EventSignal.
func (e *SignalEvent) Type() EventType { return EventSignal }

// LogEvent is a Tor log message delivered over the control port.
type LogEvent struct {
	Runlevel EventType
	Message  string
}

// Type returns the runlevel.
func (e *LogEvent) Type() EventType { return e.Runlevel }

// UnknownEvent carries an event we have no parser for.
type UnknownEvent struct {
	Keyword string
	Raw     string
}

// Type returns the raw keyword.
func (e *UnknownEvent) Type() EventType { return EventType(e.Keyword) }

// isCritical returns true for events that drive guard state or circuit
// bookkeeping and must only be dropped when the queue is completely full.
func isCritical(ev Event) bool {
	switch ev.Type() {
	case EventCirc, EventCircMinor, EventORConn, EventNewConsensus,
		EventSignal, EventNetworkLiveness:

		return true
	}

	return false
}

// ParseEvent converts a 650 reply into a typed event.
func ParseEvent(reply *Reply) (Event, error) {
	if len(reply.Lines) == 0 {
		return nil, errEmptyEvent
	}

	first := reply.Lines[0]
	keyword, rest, _ := strings.Cut(first.Text, " ")
	if keyword == "" {
		return nil, errEmptyEvent
	}

	switch EventType(keyword) {
	case EventCirc:
		return parseCircEvent(rest)

	case EventCircMinor:
		return parseCircMinorEvent(rest)

	case EventCircBW:
		return parseCircBWEvent(rest)

	case EventStream:
		return parseStreamEvent(rest)

	case EventBW:
		return parseBWEvent(rest)

	case EventORConn:
		return parseORConnEvent(rest)

	case EventNetworkLiveness:
		return &NetworkLivenessEvent{Status: strings.TrimSpace(rest)},
			nil

	case EventNewConsensus:
		return &NewConsensusEvent{}, nil

	case EventSignal:
		return &SignalEvent{Signal: strings.TrimSpace(rest)}, nil

	case EventDebug, EventInfo, EventNotice, EventWarn, EventErr:
		msg := rest
		if len(first.Data) > 0 {
			msg = strings.Join(first.Data, "\n")
		}

		return &LogEvent{Runlevel: EventType(keyword), Message: msg},
			nil
	}

	return &UnknownEvent{Keyword: keyword, Raw: first.Text}, nil
}

// splitEventArgs splits the arguments of an event line into positional
// arguments and KEY=VALUE arguments. Values may be quoted.
func splitEventArgs(s string) ([]string, map[string]string) {
	var (
		positional []string
		keywords   = make(map[string]string)
	)

	for _, token := range tokenize(s) {
		key, value, ok := strings.Cut(token, "=")
		if !ok || !isKeyword(key) {
			positional = append(positional, token)
			continue
		}

		if strings.HasPrefix(value, `"`) {
			params := parseTorReply(token)
			value = params[key]
		}
		keywords[key] = value
	}

	return positional, keywords
}

// tokenize splits s on spaces that are not inside a quoted string.
func tokenize(s string) []string {
	var (
		tokens  []string
		current strings.Builder
		quoted  bool
		escaped bool
	)

	for i := 0; i < len(s); i++ {
		ch := s[i]

		switch {
		case escaped:
			escaped = false

		case ch == '\\' && quoted:
			escaped = true

		case ch == '"':
			quoted = !quoted

		case ch == ' ' && !quoted:
			if current.Len() > 0 {
				tokens = append(tokens, current.String())
				current.Reset()
			}
			continue
		}

		current.WriteByte(ch)
	}

	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}

	return tokens
}

// isKeyword returns true if key looks like an upper case event keyword
// argument name.
func isKeyword(key string) bool {
	if key == "" {
		return false
	}

	for i := 0; i < len(key); i++ {
		ch := key[i]
		switch {
		case ch >= 'A' && ch <= 'Z', ch == '_':
		case ch >= '0' && ch <= '9' && i > 0:
		default:
			return false
		}
	}

	return true
}

// ParseHop parses a LongName of the form "$FP~nick", "$FP=nick" or "$FP".
func ParseHop(s string) (PathHop, error) {
	if !strings.HasPrefix(s, "$") {
		return PathHop{}, fmt.Errorf("invalid relay name %q", s)
	}

	fp, nick, _ := strings.Cut(s[1:], "~")
	if strings.Contains(fp, "=") {
		fp, nick, _ = strings.Cut(fp, "=")
	}

	if len(fp) != 40 {
		return PathHop{}, fmt.Errorf("invalid fingerprint in %q", s)
	}

	return PathHop{
		Fingerprint: strings.ToUpper(fp),
		Nickname:    nick,
	}, nil
}

// parsePath parses a comma separated circuit path.
func parsePath(s string) ([]PathHop, error) {
	names := strings.Split(s, ",")
	path := make([]PathHop, 0, len(names))
	for _, name := range names {
		hop, err := ParseHop(name)
		if err != nil {
			return nil, err
		}
		path = append(path, hop)
	}

	return path, nil
}

// takePath consumes a path argument at position idx when one is present.
func takePath(positional []string, idx int) ([]PathHop, error) {
	if len(positional) <= idx {
		return nil, nil
	}

	return parsePath(positional[idx])
}

func parseCircEvent(s string) (*CircEvent, error) {
	positional, kw := splitEventArgs(s)
	if len(positional) < 2 {
		return nil, fmt.Errorf("malformed CIRC event: %q", s)
	}

	path, err := takePath(positional, 2)
	if err != nil {
		return nil, fmt.Errorf("malformed CIRC path: %w", err)
	}

	ev := &CircEvent{
		ID:           positional[0],
		Status:       positional[1],
		Path:         path,
		Purpose:      kw["PURPOSE"],
		HSState:      kw["HS_STATE"],
		RendQuery:    kw["REND_QUERY"],
		TimeCreated:  kw["TIME_CREATED"],
		Reason:       kw["REASON"],
		RemoteReason: kw["REMOTE_REASON"],
	}
	if flags, ok := kw["BUILD_FLAGS"]; ok && flags != "" {
		ev.BuildFlags = strings.Split(flags, ",")
	}

	return ev, nil
}

func parseCircMinorEvent(s string) (*CircMinorEvent, error) {
	positional, kw := splitEventArgs(s)
	if len(positional) < 2 {
		return nil, fmt.Errorf("malformed CIRC_MINOR event: %q", s)
	}

	path, err := takePath(positional, 2)
	if err != nil {
		return nil, fmt.Errorf("malformed CIRC_MINOR path: %w", err)
	}

	return &CircMinorEvent{
		ID:         positional[0],
		Event:      positional[1],
		Path:       path,
		Purpose:    kw["PURPOSE"],
		HSState:    kw["HS_STATE"],
		OldPurpose: kw["OLD_PURPOSE"],
		OldHSState: kw["OLD_HS_STATE"],
	}, nil
}

func parseCircBWEvent(s string) (*CircBWEvent, error) {
	_, kw := splitEventArgs(s)

	id, ok := kw["ID"]
	if !ok {
		return nil, fmt.Errorf("malformed CIRC_BW event: %q", s)
	}

	ev := &CircBWEvent{ID: id}
	fields := []struct {
		key string
		dst *uint64
	}{
		{"READ", &ev.Read},
		{"WRITTEN", &ev.Written},
		{"DELIVERED_READ", &ev.DeliveredRead},
		{"DELIVERED_WRITTEN", &ev.DeliveredWritten},
		{"OVERHEAD_READ", &ev.OverheadRead},
		{"OVERHEAD_WRITTEN", &ev.OverheadWritten},
	}
	for _, field := range fields {
		value, ok := kw[field.key]
		if !ok {
			continue
		}

		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed CIRC_BW %s: %w",
				field.key, err)
		}
		*field.dst = n
	}

	return ev, nil
}

func parseStreamEvent(s string) (*StreamEvent, error) {
	positional, kw := splitEventArgs(s)
	if len(positional) < 4 {
		return nil, fmt.Errorf("malformed STREAM event: %q", s)
	}

	return &StreamEvent{
		ID:      positional[0],
		Status:  positional[1],
		CircID:  positional[2],
		Target:  positional[3],
		Reason:  kw["REASON"],
		Purpose: kw["PURPOSE"],
	}, nil
}

func parseBWEvent(s string) (*BWEvent, error) {
	positional, _ := splitEventArgs(s)
	if len(positional) < 2 {
		return nil, fmt.Errorf("malformed BW event: %q", s)
	}

	read, err := strconv.ParseUint(positional[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed BW read: %w", err)
	}
	written, err := strconv.ParseUint(positional[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed BW written: %w", err)
	}

	return &BWEvent{Read: read, Written: written}, nil
}

func parseORConnEvent(s string) (*ORConnEvent, error) {
	positional, kw := splitEventArgs(s)
	if len(positional) < 2 {
		return nil, fmt.Errorf("malformed ORCONN event: %q", s)
	}

	ev := &ORConnEvent{
		Target: positional[0],
		Status: positional[1],
		Reason: kw["REASON"],
		ConnID: kw["ID"],
	}
	if hop, err := ParseHop(ev.Target); err == nil {
		ev.Fingerprint = hop.Fingerprint
	}

	return ev, nil
}
