package consensus

import (
	"net/netip"
	"sort"
	"strings"
	"time"
)

// Flag is a bitset of consensus relay flags.
type Flag uint16

const (
	FlagAuthority Flag = 1 << iota
	FlagBadExit
	FlagExit
	FlagFast
	FlagGuard
	FlagHSDir
	FlagRunning
	FlagStable
	FlagStaleDesc
	FlagV2Dir
	FlagValid
)

// flagNames maps consensus flag names to their bits. Unknown flags are
// ignored.
var flagNames = map[string]Flag{
	"Authority": FlagAuthority,
	"BadExit":   FlagBadExit,
	"Exit":      FlagExit,
	"Fast":      FlagFast,
	"Guard":     FlagGuard,
	"HSDir":     FlagHSDir,
	"Running":   FlagRunning,
	"Stable":    FlagStable,
	"StaleDesc": FlagStaleDesc,
	"V2Dir":     FlagV2Dir,
	"Valid":     FlagValid,
}

// Has returns true if every bit of other is set in f.
func (f Flag) Has(other Flag) bool {
	return f&other == other
}

// Any returns true if any bit of other is set in f.
func (f Flag) Any(other Flag) bool {
	return f&other != 0
}

// String lists the set flags by name in sorted order.
func (f Flag) String() string {
	var names []string
	for name, bit := range flagNames {
		if f.Has(bit) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	return strings.Join(names, ",")
}

// ParseFlags converts a list of flag names into a bitset, skipping names we
// do not know.
func ParseFlags(names []string) Flag {
	var flags Flag
	for _, name := range names {
		flags |= flagNames[name]
	}

	return flags
}

// Relay describes a relay as listed in one consensus. It is never modified
// after the snapshot holding it has been built.
type Relay struct {
	// Fingerprint is the 40 character upper case hex identity digest.
	Fingerprint string

	Nickname string

	// Address is the primary IPv4 OR address.
	Address netip.Addr

	// ORAddrs holds any additional OR addresses from "a" lines.
	ORAddrs []netip.AddrPort

	ORPort  uint16
	DirPort uint16

	Flags Flag

	// Bandwidth is the consensus bandwidth in kilobytes per second.
	Bandwidth uint64

	// Measured is false when the bandwidth was not measured by enough
	// bandwidth authorities.
	Measured bool

	// Family holds fingerprints of relays that mutually declare family
	// with this one.
	Family map[string]struct{}

	// Country is the lower case country code of Address, or "??" when it
	// is unknown. Empty when countries were not resolved.
	Country string
}

// InFamily returns true if fp is declared family of r.
func (r *Relay) InFamily(fp string) bool {
	_, ok := r.Family[fp]
	return ok
}

// Addrs returns every address the relay listens on.
func (r *Relay) Addrs() []netip.Addr {
	addrs := make([]netip.Addr, 0, 1+len(r.ORAddrs))
	if r.Address.IsValid() {
		addrs = append(addrs, r.Address)
	}
	for _, ap := range r.ORAddrs {
		addrs = append(addrs, ap.Addr())
	}

	return addrs
}

// Snapshot is an immutable view of one consensus.
type Snapshot struct {
	// Epoch increases by one on every successful refresh.
	Epoch uint64

	// FetchedAt is when the snapshot was built.
	FetchedAt time.Time

	// Relays maps fingerprint to relay.
	Relays map[string]*Relay

	// Sorted holds every relay ordered by bandwidth, highest first, with
	// ties ordered by fingerprint.
	Sorted []*Relay

	// Weights holds the consensus bandwidth-weights.
	Weights map[string]int64
}

// DefaultWeight is the value of a missing bandwidth-weights entry, and the
// divisor applied to every entry.
const DefaultWeight = 10000

// NewSnapshot builds a snapshot out of relays and bandwidth weights.
func NewSnapshot(epoch uint64, fetchedAt time.Time, relays []*Relay,
	weights map[string]int64) *Snapshot {

	snap := &Snapshot{
		Epoch:     epoch,
		FetchedAt: fetchedAt,
		Relays:    make(map[string]*Relay, len(relays)),
		Sorted:    make([]*Relay, len(relays)),
		Weights:   weights,
	}
	if snap.Weights == nil {
		snap.Weights = make(map[string]int64)
	}

	copy(snap.Sorted, relays)
	for _, relay := range relays {
		snap.Relays[relay.Fingerprint] = relay
	}

	sort.SliceStable(snap.Sorted, func(i, j int) bool {
		a, b := snap.Sorted[i], snap.Sorted[j]
		if a.Bandwidth != b.Bandwidth {
			return a.Bandwidth > b.Bandwidth
		}

		return a.Fingerprint < b.Fingerprint
	})

	return snap
}

// Relay looks up a relay by fingerprint.
func (s *Snapshot) Relay(fp string) (*Relay, bool) {
	relay, ok := s.Relays[fp]
	return relay, ok
}

// Weight returns a bandwidth-weights entry, DefaultWeight if absent.
func (s *Snapshot) Weight(key string) int64 {
	if w, ok := s.Weights[key]; ok {
		return w
	}

	return DefaultWeight
}

// SameFamily returns true if a and b are distinct relays that mutually
// declare each other as family.
func (s *Snapshot) SameFamily(a, b string) bool {
	relay, ok := s.Relays[a]
	if !ok {
		return false
	}

	return relay.InFamily(b)
}
