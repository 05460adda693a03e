package statefile

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"
)

const (
	// PickleRevision is the only state file revision we read or write.
	PickleRevision = 1

	// vanguardsModule and rendguardModule are the Python modules the
	// state classes live in.
	vanguardsModule = "vanguards.vanguards"
	rendguardModule = "vanguards.rendguard"

	// maxClockSkew is how far in the future chosen_at may lie.
	maxClockSkew = time.Hour

	// maxLifetime bounds how far in the future expires_at may lie, on
	// top of maxClockSkew.
	maxLifetime = 365 * 24 * time.Hour
)

// StateFormatError is returned when a state file cannot be used. Such a
// file is never overwritten.
type StateFormatError struct {
	Path   string
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *StateFormatError) Error() string {
	msg := fmt.Sprintf("invalid state file %s: %s", e.Path, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

// Unwrap returns the underlying error.
func (e *StateFormatError) Unwrap() error {
	return e.Err
}

// Entry is a single vanguard slot.
type Entry struct {
	Fingerprint string
	ChosenAt    time.Time
	ExpiresAt   time.Time
}

// State is the persisted vanguard state.
type State struct {
	Layer2          []Entry
	Layer3          []Entry
	StateFile       string
	EnableVanguards bool
}

// Clone returns a deep copy of s.
func (s *State) Clone() *State {
	c := *s
	c.Layer2 = append([]Entry(nil), s.Layer2...)
	c.Layer3 = append([]Entry(nil), s.Layer3...)

	return &c
}

// toUnix converts a time to float Unix seconds with microsecond precision.
func toUnix(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

// fromUnix converts float Unix seconds to a UTC time truncated to
// microseconds.
func fromUnix(f float64) time.Time {
	return time.UnixMicro(int64(math.Round(f * 1e6))).UTC()
}

// Encode serializes the state as a protocol 2 pickle of a Python
// VanguardState object.
func Encode(s *State) ([]byte, error) {
	layer := func(entries []Entry) *List {
		list := &List{Items: make([]any, 0, len(entries))}
		for _, e := range entries {
			list.Items = append(list.Items, &Object{
				Module: vanguardsModule,
				Name:   "GuardNode",
				State: Dict{
					"idhex":      e.Fingerprint,
					"chosen_at":  toUnix(e.ChosenAt),
					"expires_at": toUnix(e.ExpiresAt),
				},
			})
		}

		return list
	}

	root := &Object{
		Module: vanguardsModule,
		Name:   "VanguardState",
		State: Dict{
			"layer2":     layer(s.Layer2),
			"layer3":     layer(s.Layer3),
			"state_file": s.StateFile,
			"rendguard": &Object{
				Module: rendguardModule,
				Name:   "RendGuard",
				State: Dict{
					"use_counts":       Dict{},
					"total_use_counts": 0.0,
					"pickle_revision":  1.0,
				},
			},
			"enable_vanguards": s.EnableVanguards,
			"pickle_revision":  int64(PickleRevision),
		},
	}

	return Pickle(root)
}

// Decode parses and validates a state file. Both the Python object form
// and a plain dict are accepted. now bounds the allowed timestamps.
func Decode(path string, data []byte, now time.Time) (*State, error) {
	formatErr := func(reason string, err error) error {
		return &StateFormatError{Path: path, Reason: reason, Err: err}
	}

	value, err := Unpickle(bytes.NewReader(data))
	if err != nil {
		return nil, formatErr("undecodable", err)
	}

	fields, ok := objectState(value)
	if !ok {
		return nil, formatErr(fmt.Sprintf("unexpected root %T",
			value), nil)
	}

	rev, ok := number(fields["pickle_revision"])
	if !ok {
		return nil, formatErr("missing pickle_revision", nil)
	}
	if rev != PickleRevision {
		return nil, formatErr(fmt.Sprintf("unsupported "+
			"pickle_revision %v", rev), nil)
	}

	state := &State{EnableVanguards: true}
	if v, ok := fields["state_file"].(string); ok {
		state.StateFile = v
	}
	if v, ok := fields["enable_vanguards"].(bool); ok {
		state.EnableVanguards = v
	}

	for _, layer := range []struct {
		key  string
		dest *[]Entry
	}{
		{"layer2", &state.Layer2},
		{"layer3", &state.Layer3},
	} {
		entries, err := decodeLayer(fields[layer.key], now)
		if err != nil {
			return nil, formatErr(layer.key, err)
		}
		*layer.dest = entries
	}

	return state, nil
}

func decodeLayer(value any, now time.Time) ([]Entry, error) {
	var items []any
	switch v := value.(type) {
	case nil:
		return nil, nil
	case *List:
		items = v.Items
	case Tuple:
		items = v
	default:
		return nil, fmt.Errorf("layer is %T", value)
	}

	if len(items) == 0 {
		return nil, nil
	}

	latestChosen := now.Add(maxClockSkew)
	latestExpiry := latestChosen.Add(maxLifetime)

	entries := make([]Entry, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for i, item := range items {
		fields, ok := objectState(item)
		if !ok {
			return nil, fmt.Errorf("entry %d is %T", i, item)
		}

		fp, _ := fields["idhex"].(string)
		if !validFingerprint(fp) {
			return nil, fmt.Errorf("entry %d has bad fingerprint "+
				"%q", i, fp)
		}

		chosen, ok1 := number(fields["chosen_at"])
		expires, ok2 := number(fields["expires_at"])
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("entry %d has bad timestamps", i)
		}

		e := Entry{
			Fingerprint: strings.ToUpper(fp),
			ChosenAt:    fromUnix(chosen),
			ExpiresAt:   fromUnix(expires),
		}
		if e.ChosenAt.After(latestChosen) {
			return nil, fmt.Errorf("entry %d chosen in the future "+
				"(%v)", i, e.ChosenAt)
		}
		if e.ExpiresAt.After(latestExpiry) {
			return nil, fmt.Errorf("entry %d expires too late "+
				"(%v)", i, e.ExpiresAt)
		}
		if !e.ExpiresAt.After(e.ChosenAt) {
			return nil, fmt.Errorf("entry %d expires before it "+
				"was chosen", i)
		}

		// A relay may only hold one slot of a layer.
		if _, ok := seen[e.Fingerprint]; ok {
			return nil, fmt.Errorf("entry %d repeats %s", i,
				e.Fingerprint)
		}
		seen[e.Fingerprint] = struct{}{}

		entries = append(entries, e)
	}

	return entries, nil
}

// objectState returns the attribute dict of an object, or the dict itself.
func objectState(value any) (Dict, bool) {
	switch v := value.(type) {
	case Dict:
		return v, true

	case *Object:
		d, ok := v.State.(Dict)
		return d, ok

	default:
		return nil, false
	}
}

// number converts an int or float value to float64.
func number(value any) (float64, bool) {
	switch v := value.(type) {
	case int64:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

func validFingerprint(fp string) bool {
	if len(fp) != 40 {
		return false
	}
	_, err := hex.DecodeString(fp)

	return err == nil
}
