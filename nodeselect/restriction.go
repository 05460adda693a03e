package nodeselect

import (
	"github.com/hsguard/vanguards/consensus"
)

// Restriction decides whether a relay may be chosen at all.
type Restriction interface {
	Allows(relay *consensus.Relay) bool
}

// FlagRestriction requires every Mandatory flag and none of the Forbidden
// flags.
type FlagRestriction struct {
	Mandatory consensus.Flag
	Forbidden consensus.Flag
}

// Allows implements Restriction.
func (f FlagRestriction) Allows(relay *consensus.Relay) bool {
	return relay.Flags.Has(f.Mandatory) && !relay.Flags.Any(f.Forbidden)
}

// ExcludeRestriction rejects relays matched by an ExcludeNodes set.
type ExcludeRestriction struct {
	Set *consensus.ExcludeSet
}

// Allows implements Restriction.
func (e ExcludeRestriction) Allows(relay *consensus.Relay) bool {
	return !e.Set.Excludes(relay)
}

// All combines restrictions; a relay must pass each of them.
type All []Restriction

// Allows implements Restriction.
func (a All) Allows(relay *consensus.Relay) bool {
	for _, r := range a {
		if r != nil && !r.Allows(relay) {
			return false
		}
	}

	return true
}

var (
	// LayerRestriction is the flag set required of layer 2 and layer 3
	// vanguards.
	LayerRestriction = FlagRestriction{
		Mandatory: consensus.FlagFast | consensus.FlagStable |
			consensus.FlagValid,
		Forbidden: consensus.FlagAuthority,
	}

	// RendezvousRestriction is the flag set a relay needs to be picked as
	// a rendezvous point.
	RendezvousRestriction = FlagRestriction{
		Mandatory: consensus.FlagFast | consensus.FlagValid,
		Forbidden: consensus.FlagAuthority,
	}
)
