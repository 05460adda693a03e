package nodeselect

import (
	"fmt"
	"math/rand/v2"
	"net/netip"
	"sort"

	"github.com/hsguard/vanguards/consensus"
)

// InsufficientRelaysError is returned when fewer relays than requested
// survive the restrictions. The relays that could be chosen are returned
// alongside it.
type InsufficientRelaysError struct {
	Wanted int
	Got    int
}

// Error implements the error interface.
func (e *InsufficientRelaysError) Error() string {
	return fmt.Sprintf("insufficient relays: wanted %d, got %d",
		e.Wanted, e.Got)
}

// Exclusions narrows the candidate pool of a single Select call.
type Exclusions struct {
	// Fingerprints may not be chosen.
	Fingerprints map[string]struct{}

	// FamilyOf lists relays whose family members may not be chosen,
	// typically the current layer. With DistinctSubnets their subnets
	// are excluded as well.
	FamilyOf []string

	// DistinctSubnets forbids two relays from the same /16 (IPv4) or /32
	// (IPv6) network.
	DistinctSubnets bool

	// Restriction every candidate must pass.
	Restriction Restriction
}

// Position selects the bandwidth-weights row used to weight a relay.
type Position byte

const (
	// PositionMiddle weights relays for a middle hop.
	PositionMiddle Position = 'm'

	// PositionExit weights relays for an exit hop.
	PositionExit Position = 'e'
)

// Weight returns the selection weight of relay at position: its bandwidth
// scaled by the consensus weight matching its Guard and Exit flags.
func Weight(snap *consensus.Snapshot, relay *consensus.Relay,
	pos Position) float64 {

	var class byte
	switch {
	case relay.Flags.Has(consensus.FlagGuard | consensus.FlagExit):
		class = 'd'
	case relay.Flags.Has(consensus.FlagExit):
		class = 'e'
	case relay.Flags.Has(consensus.FlagGuard):
		class = 'g'
	default:
		// Middle-only relays always use Wmm.
		pos, class = PositionMiddle, 'm'
	}

	key := string([]byte{'W', byte(pos), class})
	w := float64(snap.Weight(key)) / consensus.DefaultWeight

	return float64(relay.Bandwidth) * w
}

// subnet returns the network a relay address belongs to for the distinct
// subnet rule.
func subnet(addr netip.Addr) netip.Prefix {
	addr = addr.Unmap()

	bits := 16
	if addr.Is6() {
		bits = 32
	}

	prefix, err := addr.Prefix(bits)
	if err != nil {
		return netip.Prefix{}
	}

	return prefix
}

// candidate is a relay in the local selection pool.
type candidate struct {
	relay  *consensus.Relay
	weight float64
}

// Select draws count distinct relays from snap, weighted by middle
// position bandwidth. After each draw the chosen relay, its family and,
// with DistinctSubnets, its subnet leave the pool. If fewer than count
// relays can be drawn the partial result is returned together with an
// *InsufficientRelaysError.
func Select(snap *consensus.Snapshot, count int, excl Exclusions,
	rng *rand.Rand) ([]string, error) {

	if count <= 0 {
		return nil, nil
	}

	banned := make(map[netip.Prefix]struct{})
	family := make([]*consensus.Relay, 0, len(excl.FamilyOf))
	for _, fp := range excl.FamilyOf {
		relay, ok := snap.Relay(fp)
		if !ok {
			continue
		}
		family = append(family, relay)

		if excl.DistinctSubnets && relay.Address.IsValid() {
			banned[subnet(relay.Address)] = struct{}{}
		}
	}

	pool := make([]candidate, 0, len(snap.Sorted))
	for _, relay := range snap.Sorted {
		if !eligible(relay, excl, family, banned) {
			continue
		}

		pool = append(pool, candidate{
			relay:  relay,
			weight: Weight(snap, relay, PositionMiddle),
		})
	}

	// Draws must not depend on map iteration or bandwidth ties.
	sort.Slice(pool, func(i, j int) bool {
		return pool[i].relay.Fingerprint < pool[j].relay.Fingerprint
	})

	log.Debugf("Selecting %d of %d candidates", count, len(pool))

	picks := make([]string, 0, count)
	for len(picks) < count && len(pool) > 0 {
		chosen := draw(pool, rng).relay
		picks = append(picks, chosen.Fingerprint)

		var chosenNet netip.Prefix
		if excl.DistinctSubnets && chosen.Address.IsValid() {
			chosenNet = subnet(chosen.Address)
		}

		remaining := pool[:0]
		for _, c := range pool {
			switch {
			case c.relay == chosen:
				continue
			case c.relay.InFamily(chosen.Fingerprint) ||
				chosen.InFamily(c.relay.Fingerprint):
				continue
			case chosenNet.IsValid() && c.relay.Address.IsValid() &&
				subnet(c.relay.Address) == chosenNet:
				continue
			}
			remaining = append(remaining, c)
		}
		pool = remaining
	}

	if len(picks) < count {
		return picks, &InsufficientRelaysError{
			Wanted: count,
			Got:    len(picks),
		}
	}

	return picks, nil
}

// eligible applies the static exclusions to a single relay.
func eligible(relay *consensus.Relay, excl Exclusions,
	family []*consensus.Relay, banned map[netip.Prefix]struct{}) bool {

	if excl.Restriction != nil && !excl.Restriction.Allows(relay) {
		return false
	}
	if _, ok := excl.Fingerprints[relay.Fingerprint]; ok {
		return false
	}

	for _, member := range family {
		if member.Fingerprint == relay.Fingerprint ||
			member.InFamily(relay.Fingerprint) ||
			relay.InFamily(member.Fingerprint) {

			return false
		}
	}

	if len(banned) > 0 && relay.Address.IsValid() {
		if _, ok := banned[subnet(relay.Address)]; ok {
			return false
		}
	}

	return true
}

// draw picks one candidate with probability proportional to its weight,
// or uniformly when every weight is zero.
func draw(pool []candidate, rng *rand.Rand) candidate {
	var total float64
	for _, c := range pool {
		if c.weight > 0 {
			total += c.weight
		}
	}

	if total <= 0 {
		return pool[rng.IntN(len(pool))]
	}

	target := rng.Float64() * total
	var cumulative float64
	for _, c := range pool {
		if c.weight <= 0 {
			continue
		}

		cumulative += c.weight
		if cumulative > target {
			return c
		}
	}

	// Rounding can leave target just past the final sum.
	for i := len(pool) - 1; i >= 0; i-- {
		if pool[i].weight > 0 {
			return pool[i]
		}
	}

	return pool[len(pool)-1]
}

// WeightedRelays returns every relay allowed by r mapped to its share of
// the total selection weight. Exit relays are weighted for the exit
// position and normalized by the exit total, since rendezvous circuits
// may be cannibalized from exit circuits.
func WeightedRelays(snap *consensus.Snapshot,
	r Restriction) map[string]float64 {

	var (
		weights   = make(map[string]float64)
		total     float64
		exitTotal float64
	)
	for _, relay := range snap.Sorted {
		if r != nil && !r.Allows(relay) {
			continue
		}

		w := Weight(snap, relay, PositionMiddle)
		total += w
		if relay.Flags.Has(consensus.FlagExit) {
			w = Weight(snap, relay, PositionExit)
			exitTotal += w
		}
		weights[relay.Fingerprint] = w
	}

	for fp, w := range weights {
		relay := snap.Relays[fp]
		switch {
		case relay.Flags.Has(consensus.FlagExit) && exitTotal > 0:
			weights[fp] = w / exitTotal
		case total > 0:
			weights[fp] = w / total
		default:
			weights[fp] = 0
		}
	}

	return weights
}
