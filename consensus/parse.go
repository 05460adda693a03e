package consensus

import (
	"bufio"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// ParseError is returned when directory data is structurally malformed.
// The caller keeps its previous snapshot and retries on the next refresh.
type ParseError struct {
	// Line is the 1-based line number of the offending line, 0 when the
	// problem is not tied to a single line.
	Line int

	// Msg describes the problem.
	Msg string
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.Line == 0 {
		return fmt.Sprintf("malformed consensus: %s", e.Msg)
	}

	return fmt.Sprintf("malformed consensus at line %d: %s", e.Line,
		e.Msg)
}

// errNoWeights is returned when a document has no bandwidth-weights line.
var errNoWeights = errors.New("no bandwidth-weights line found")

// DecodeIdentity converts a base64 identity digest as found in "r" lines
// into the upper case hex fingerprint.
func DecodeIdentity(b64 string) (string, error) {
	// Tor strips the trailing padding.
	if rem := len(b64) % 4; rem != 0 {
		b64 += strings.Repeat("=", 4-rem)
	}

	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", err
	}
	if len(raw) != 20 {
		return "", fmt.Errorf("identity is %d bytes, want 20", len(raw))
	}

	return strings.ToUpper(hex.EncodeToString(raw)), nil
}

// ParseRouterStatus parses router status entries as returned by
// GETINFO ns/all. Unknown line types are skipped.
func ParseRouterStatus(doc string) ([]*Relay, error) {
	var (
		relays  []*Relay
		current *Relay
		lineNo  int
	)

	scanner := bufio.NewScanner(strings.NewReader(doc))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		keyword, args, _ := strings.Cut(line, " ")
		switch keyword {
		case "r":
			relay, err := parseRLine(args)
			if err != nil {
				return nil, &ParseError{Line: lineNo, Msg: err.Error()}
			}
			relays = append(relays, relay)
			current = relay

		case "a":
			if current == nil {
				return nil, &ParseError{
					Line: lineNo, Msg: "a line before r line",
				}
			}

			addr, err := netip.ParseAddrPort(args)
			if err != nil {
				return nil, &ParseError{
					Line: lineNo,
					Msg:  fmt.Sprintf("bad address: %v", err),
				}
			}
			current.ORAddrs = append(current.ORAddrs, addr)

		case "s":
			if current == nil {
				return nil, &ParseError{
					Line: lineNo, Msg: "s line before r line",
				}
			}
			current.Flags = ParseFlags(strings.Fields(args))

		case "w":
			if current == nil {
				return nil, &ParseError{
					Line: lineNo, Msg: "w line before r line",
				}
			}
			if err := parseWLine(current, args); err != nil {
				return nil, &ParseError{Line: lineNo, Msg: err.Error()}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &ParseError{Msg: err.Error()}
	}

	if len(relays) == 0 {
		return nil, &ParseError{Msg: "no router status entries"}
	}

	return relays, nil
}

// parseRLine parses the arguments of an "r" line:
//
//	nickname identity [digest] date time address orport dirport
//
// The descriptor digest is absent in microdescriptor flavored entries.
func parseRLine(args string) (*Relay, error) {
	fields := strings.Fields(args)
	switch len(fields) {
	case 8:
	case 7:
		// Insert an empty digest so the indexes below line up.
		fields = append(fields[:2], append([]string{""},
			fields[2:]...)...)
	default:
		return nil, fmt.Errorf("r line has %d fields", len(fields))
	}

	fp, err := DecodeIdentity(fields[1])
	if err != nil {
		return nil, fmt.Errorf("bad identity %q: %w", fields[1], err)
	}

	addr, err := netip.ParseAddr(fields[5])
	if err != nil {
		return nil, fmt.Errorf("bad address %q: %w", fields[5], err)
	}

	orPort, err := strconv.ParseUint(fields[6], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("bad orport %q: %w", fields[6], err)
	}
	dirPort, err := strconv.ParseUint(fields[7], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("bad dirport %q: %w", fields[7], err)
	}

	return &Relay{
		Fingerprint: fp,
		Nickname:    fields[0],
		Address:     addr,
		ORPort:      uint16(orPort),
		DirPort:     uint16(dirPort),
		Measured:    true,
	}, nil
}

// parseWLine parses "Bandwidth=N [Measured=N] [Unmeasured=1]". A Measured
// value, when present, wins over Bandwidth.
func parseWLine(relay *Relay, args string) error {
	var haveMeasured bool
	for _, field := range strings.Fields(args) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}

		switch key {
		case "Bandwidth":
			bw, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return fmt.Errorf("bad bandwidth %q: %w", value, err)
			}
			if !haveMeasured {
				relay.Bandwidth = bw
			}

		case "Measured":
			bw, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return fmt.Errorf("bad measured bandwidth %q: %w",
					value, err)
			}
			relay.Bandwidth = bw
			haveMeasured = true

		case "Unmeasured":
			relay.Measured = value != "1"
		}
	}

	return nil
}

// ParseBandwidthWeights finds the bandwidth-weights line of a consensus
// document and returns its entries.
func ParseBandwidthWeights(doc string) (map[string]int64, error) {
	scanner := bufio.NewScanner(strings.NewReader(doc))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		args, ok := strings.CutPrefix(line, "bandwidth-weights ")
		if !ok {
			continue
		}

		weights := make(map[string]int64)
		for _, field := range strings.Fields(args) {
			key, value, ok := strings.Cut(field, "=")
			if !ok {
				return nil, &ParseError{
					Msg: fmt.Sprintf("bad weight %q", field),
				}
			}

			w, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, &ParseError{
					Msg: fmt.Sprintf("bad weight %q: %v",
						field, err),
				}
			}
			weights[key] = w
		}

		return weights, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, &ParseError{Msg: err.Error()}
	}

	return nil, errNoWeights
}

// ParseMicrodescFamilies reads "id rsa1024" and "family" lines out of the
// microdescriptors returned by GETINFO md/all. It returns each identity's
// declared family members, only for microdescriptors that carry an RSA
// identity.
func ParseMicrodescFamilies(doc string) map[string][]string {
	declared := make(map[string][]string)

	var (
		identity string
		members  []string
	)
	flush := func() {
		if identity != "" && len(members) > 0 {
			declared[identity] = members
		}
		identity, members = "", nil
	}

	scanner := bufio.NewScanner(strings.NewReader(doc))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		keyword, args, _ := strings.Cut(line, " ")

		switch keyword {
		case "onion-key":
			flush()

		case "id":
			kind, value, _ := strings.Cut(args, " ")
			if kind != "rsa1024" {
				continue
			}
			if fp, err := DecodeIdentity(value); err == nil {
				identity = fp
			}

		case "family":
			for _, member := range strings.Fields(args) {
				fp, ok := familyFingerprint(member)
				if ok {
					members = append(members, fp)
				}
			}
		}
	}
	flush()

	return declared
}

// familyFingerprint extracts the fingerprint from a family entry such as
// "$FP", "$FP~nick" or "$FP=nick". Bare nicknames are skipped.
func familyFingerprint(member string) (string, bool) {
	if !strings.HasPrefix(member, "$") {
		return "", false
	}

	fp := member[1:]
	if i := strings.IndexAny(fp, "~="); i >= 0 {
		fp = fp[:i]
	}
	if len(fp) != 40 {
		return "", false
	}
	if _, err := hex.DecodeString(fp); err != nil {
		return "", false
	}

	return strings.ToUpper(fp), true
}

// MutualFamilies keeps only family declarations made by both sides.
func MutualFamilies(declared map[string][]string) map[string]map[string]struct{} {
	lookup := make(map[string]map[string]struct{}, len(declared))
	for fp, members := range declared {
		set := make(map[string]struct{}, len(members))
		for _, member := range members {
			set[member] = struct{}{}
		}
		lookup[fp] = set
	}

	families := make(map[string]map[string]struct{})
	for fp, members := range lookup {
		for member := range members {
			if member == fp {
				continue
			}
			if _, ok := lookup[member][fp]; !ok {
				continue
			}

			if families[fp] == nil {
				families[fp] = make(map[string]struct{})
			}
			families[fp][member] = struct{}{}
		}
	}

	return families
}
