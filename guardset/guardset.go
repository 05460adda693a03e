package guardset

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/hsguard/vanguards/consensus"
	"github.com/hsguard/vanguards/nodeselect"
	"github.com/hsguard/vanguards/statefile"
	"github.com/lightningnetwork/lnd/clock"
)

// Store persists guard state.
type Store interface {
	// Load returns the persisted state, statefile.ErrNoState if there is
	// none.
	Load() (*statefile.State, error)

	// Save atomically replaces the persisted state.
	Save(state *statefile.State) error
}

// Slot is one chosen vanguard.
type Slot struct {
	Fingerprint string
	ChosenAt    time.Time
	ExpiresAt   time.Time
}

// Layer is the ordered slot list of layer 2 or 3.
type Layer struct {
	Index int
	Slots []Slot
}

// Fingerprints lists the layer members in slot order.
func (l Layer) Fingerprints() []string {
	fps := make([]string, 0, len(l.Slots))
	for _, slot := range l.Slots {
		fps = append(fps, slot.Fingerprint)
	}

	return fps
}

// Snapshot is a copy of the guard state safe to hand to other goroutines.
type Snapshot struct {
	// Revision increases with every persisted change.
	Revision uint64

	Layer2    Layer
	Layer3    Layer
	StateFile string
}

// GuardSet owns the layer 2 and layer 3 vanguards. It is not safe for
// concurrent use; the controller is its only caller.
type GuardSet struct {
	cfg   Config
	store Store
	clock clock.Clock
	rng   *rand.Rand

	layer2 Layer
	layer3 Layer

	// exclude is the ExcludeNodes set of the last Update.
	exclude *consensus.ExcludeSet

	revision uint64
}

// New creates an empty guard set. Call Load before the first Update.
func New(cfg *Config, store Store, clk clock.Clock,
	rng *rand.Rand) *GuardSet {

	return &GuardSet{
		cfg:    *cfg,
		store:  store,
		clock:  clk,
		rng:    rng,
		layer2: Layer{Index: 2},
		layer3: Layer{Index: 3},
	}
}

// Load restores the persisted layers. A missing state file leaves both
// layers empty; a *statefile.StateFormatError must be treated as fatal.
func (g *GuardSet) Load() error {
	state, err := g.store.Load()
	switch {
	case errors.Is(err, statefile.ErrNoState):
		log.Infof("No saved vanguard state, starting fresh")
		return nil

	case err != nil:
		return err
	}

	for name, entries := range map[string][]statefile.Entry{
		"layer2": state.Layer2,
		"layer3": state.Layer3,
	} {
		if err := checkDistinct(entries); err != nil {
			return &statefile.StateFormatError{
				Path:   g.cfg.StateFile,
				Reason: "bad " + name,
				Err:    err,
			}
		}
	}

	g.layer2.Slots = fromEntries(state.Layer2)
	g.layer3.Slots = fromEntries(state.Layer3)

	log.Infof("Restored vanguards: layer2=%s layer3=%s",
		g.LayerNodes(2), g.LayerNodes(3))

	return nil
}

// Update runs a full consensus pass: slots whose relay left the consensus,
// lost the required flags or became excluded are dropped, expired slots
// are replaced, and both layers are trimmed to their maximum and
// replenished toward their minimum. Changes are persisted before
// returning.
func (g *GuardSet) Update(snap *consensus.Snapshot,
	excl *consensus.ExcludeSet) (bool, error) {

	g.exclude = excl

	var changed bool
	for _, layer := range []*Layer{&g.layer2, &g.layer3} {
		if g.dropIneligible(layer, snap) {
			changed = true
		}
	}

	for _, layer := range []*Layer{&g.layer2, &g.layer3} {
		if g.rotate(layer, snap) {
			changed = true
		}
	}

	return changed, g.persistIf(changed)
}

// Rotate replaces expired slots and replenishes layers below their
// minimum. Calling it again without time passing changes nothing.
func (g *GuardSet) Rotate(snap *consensus.Snapshot) (bool, error) {
	var changed bool
	for _, layer := range []*Layer{&g.layer2, &g.layer3} {
		if g.rotate(layer, snap) {
			changed = true
		}
	}

	return changed, g.persistIf(changed)
}

// dropIneligible removes slots whose relay can no longer serve.
func (g *GuardSet) dropIneligible(layer *Layer,
	snap *consensus.Snapshot) bool {

	kept := layer.Slots[:0]
	for _, slot := range layer.Slots {
		relay, ok := snap.Relay(slot.Fingerprint)
		switch {
		case !ok:
			log.Infof("Layer%d vanguard %s left the consensus",
				layer.Index, slot.Fingerprint)

		case !nodeselect.LayerRestriction.Allows(relay):
			log.Infof("Layer%d vanguard %s lost required flags "+
				"(%v)", layer.Index, slot.Fingerprint,
				relay.Flags)

		case g.exclude.Excludes(relay):
			log.Infof("Layer%d vanguard %s is excluded",
				layer.Index, slot.Fingerprint)

		default:
			kept = append(kept, slot)
		}
	}

	removed := len(kept) != len(layer.Slots)
	layer.Slots = kept

	return removed
}

// rotate removes expired slots and tops the layer back up. An expired
// slot is replaced one for one; a layer below its minimum grows to it.
func (g *GuardSet) rotate(layer *Layer, snap *consensus.Snapshot) bool {
	cfg := g.cfg.layer(layer.Index)
	now := g.clock.Now()

	target := len(layer.Slots)

	kept := layer.Slots[:0]
	for _, slot := range layer.Slots {
		if now.After(slot.ExpiresAt) {
			log.Infof("Layer%d vanguard %s expired at %v",
				layer.Index, slot.Fingerprint, slot.ExpiresAt)
			continue
		}
		kept = append(kept, slot)
	}
	changed := len(kept) != len(layer.Slots)
	layer.Slots = kept

	if len(layer.Slots) > cfg.Max {
		log.Infof("Trimming layer%d from %d to %d vanguards",
			layer.Index, len(layer.Slots), cfg.Max)
		layer.Slots = layer.Slots[:cfg.Max]
		changed = true
	}

	target = min(max(target, cfg.Min), cfg.Max)
	for len(layer.Slots) < target {
		if !g.addSlot(layer, snap, cfg) {
			break
		}
		changed = true
	}

	return changed
}

// addSlot selects and appends one relay. It returns false when no relay
// could be chosen.
func (g *GuardSet) addSlot(layer *Layer, snap *consensus.Snapshot,
	cfg LayerConfig) bool {

	excl := nodeselect.Exclusions{
		Fingerprints:    make(map[string]struct{}),
		FamilyOf:        layer.Fingerprints(),
		DistinctSubnets: g.cfg.DistinctSubnets,
		Restriction: nodeselect.All{
			nodeselect.LayerRestriction,
			nodeselect.ExcludeRestriction{Set: g.exclude},
		},
	}
	for _, fp := range layer.Fingerprints() {
		excl.Fingerprints[fp] = struct{}{}
	}
	if !g.cfg.CrossReuse {
		for _, fp := range g.other(layer).Fingerprints() {
			excl.Fingerprints[fp] = struct{}{}
		}
	}

	picks, err := nodeselect.Select(snap, 1, excl, g.rng)
	if err != nil {
		var insufficient *nodeselect.InsufficientRelaysError
		if errors.As(err, &insufficient) {
			log.Warnf("Layer%d has %d of %d vanguards: no "+
				"eligible relays remain", layer.Index,
				len(layer.Slots), cfg.Min)
		} else {
			log.Errorf("Unable to select layer%d vanguard: %v",
				layer.Index, err)
		}

		return false
	}

	chosen := g.clock.Now().UTC().Truncate(time.Microsecond)
	slot := Slot{
		Fingerprint: picks[0],
		ChosenAt:    chosen,
		ExpiresAt:   chosen.Add(g.lifetime(cfg)),
	}
	layer.Slots = append(layer.Slots, slot)

	log.Infof("Selected layer%d vanguard %s, expires %v", layer.Index,
		slot.Fingerprint, slot.ExpiresAt)

	return true
}

// lifetime draws a slot lifetime uniformly from the layer bounds, at
// microsecond resolution.
func (g *GuardSet) lifetime(cfg LayerConfig) time.Duration {
	span := int64((cfg.MaxLifetime - cfg.MinLifetime) / time.Microsecond)
	if span <= 0 {
		return cfg.MinLifetime.Truncate(time.Microsecond)
	}

	extra := time.Duration(g.rng.Int64N(span+1)) * time.Microsecond

	return cfg.MinLifetime.Truncate(time.Microsecond) + extra
}

func (g *GuardSet) other(layer *Layer) *Layer {
	if layer.Index == 2 {
		return &g.layer3
	}

	return &g.layer2
}

// persistIf saves the state when changed is set.
func (g *GuardSet) persistIf(changed bool) error {
	if !changed {
		return nil
	}

	g.revision++
	if err := g.store.Save(g.state()); err != nil {
		return fmt.Errorf("unable to persist vanguards: %w", err)
	}

	return nil
}

func (g *GuardSet) state() *statefile.State {
	return &statefile.State{
		Layer2:          toEntries(g.layer2.Slots),
		Layer3:          toEntries(g.layer3.Slots),
		StateFile:       g.cfg.StateFile,
		EnableVanguards: g.cfg.Enabled,
	}
}

// Snapshot returns a deep copy of the current layers.
func (g *GuardSet) Snapshot() Snapshot {
	return Snapshot{
		Revision: g.revision,
		Layer2: Layer{
			Index: 2,
			Slots: append([]Slot(nil), g.layer2.Slots...),
		},
		Layer3: Layer{
			Index: 3,
			Slots: append([]Slot(nil), g.layer3.Slots...),
		},
		StateFile: g.cfg.StateFile,
	}
}

// LayerNodes returns the comma separated fingerprints of layer 2 or 3, as
// used for HSLayer2Nodes and HSLayer3Nodes.
func (g *GuardSet) LayerNodes(index int) string {
	layer := &g.layer3
	if index == 2 {
		layer = &g.layer2
	}

	return strings.Join(layer.Fingerprints(), ",")
}

// checkDistinct fails if a relay holds more than one slot of a layer.
func checkDistinct(entries []statefile.Entry) error {
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if _, ok := seen[e.Fingerprint]; ok {
			return fmt.Errorf("%s holds more than one slot",
				e.Fingerprint)
		}
		seen[e.Fingerprint] = struct{}{}
	}

	return nil
}

func fromEntries(entries []statefile.Entry) []Slot {
	slots := make([]Slot, 0, len(entries))
	for _, e := range entries {
		slots = append(slots, Slot(e))
	}

	return slots
}

func toEntries(slots []Slot) []statefile.Entry {
	entries := make([]statefile.Entry, 0, len(slots))
	for _, s := range slots {
		entries = append(entries, statefile.Entry(s))
	}

	return entries
}
