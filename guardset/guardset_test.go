package guardset

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/hsguard/vanguards/consensus"
	"github.com/hsguard/vanguards/statefile"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

const eligibleFlags = consensus.FlagFast | consensus.FlagStable |
	consensus.FlagValid | consensus.FlagRunning

var testNow = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func fingerprint(i int) string {
	return fmt.Sprintf("%040X", i)
}

// memStore keeps the state in memory and counts saves.
type memStore struct {
	state   *statefile.State
	saves   int
	loadErr error
	saveErr error
}

func (m *memStore) Load() (*statefile.State, error) {
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	if m.state == nil {
		return nil, statefile.ErrNoState
	}

	return m.state.Clone(), nil
}

func (m *memStore) Save(state *statefile.State) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	m.state = state.Clone()

	return nil
}

func testSnapshot(n int) *consensus.Snapshot {
	relays := make([]*consensus.Relay, 0, n)
	for i := 0; i < n; i++ {
		relays = append(relays, &consensus.Relay{
			Fingerprint: fingerprint(i + 1),
			Nickname:    fmt.Sprintf("relay%d", i+1),
			Address: netip.AddrFrom4([4]byte{
				10, byte(i), 0, 1,
			}),
			Flags:     eligibleFlags,
			Bandwidth: uint64(100 * (i + 1)),
			Measured:  true,
		})
	}

	return consensus.NewSnapshot(1, testNow, relays, nil)
}

func testConfig() *Config {
	return &Config{
		Layer2: LayerConfig{
			Min:         4,
			Max:         8,
			MinLifetime: 24 * time.Hour,
			MaxLifetime: 1080 * time.Hour,
		},
		Layer3: LayerConfig{
			Min:         8,
			Max:         8,
			MinLifetime: time.Hour,
			MaxLifetime: 48 * time.Hour,
		},
		CrossReuse:      true,
		DistinctSubnets: true,
		StateFile:       "vanguards.state",
		Enabled:         true,
	}
}

func newGuardSet(t *testing.T, cfg *Config, store Store,
	clk clock.Clock) *GuardSet {

	t.Helper()

	var seed [32]byte
	seed[0] = 42
	g := New(cfg, store, clk, rand.New(rand.NewChaCha8(seed)))
	require.NoError(t, g.Load())

	return g
}

func requireDistinct(t *testing.T, layer Layer) {
	t.Helper()

	seen := make(map[string]struct{})
	for _, slot := range layer.Slots {
		require.NotContains(t, seen, slot.Fingerprint)
		seen[slot.Fingerprint] = struct{}{}
	}
}

func TestInitialFill(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	g := newGuardSet(t, testConfig(), store,
		clock.NewTestClock(testNow))

	changed, err := g.Update(testSnapshot(40), nil)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, 1, store.saves)

	snap := g.Snapshot()
	require.Len(t, snap.Layer2.Slots, 4)
	require.Len(t, snap.Layer3.Slots, 8)
	requireDistinct(t, snap.Layer2)
	requireDistinct(t, snap.Layer3)
	require.EqualValues(t, 1, snap.Revision)

	require.Len(t, store.state.Layer2, 4)
	require.Equal(t, "vanguards.state", store.state.StateFile)
	require.True(t, store.state.EnableVanguards)
}

func TestLifetimeBounds(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	g := newGuardSet(t, cfg, &memStore{}, clock.NewTestClock(testNow))

	_, err := g.Update(testSnapshot(40), nil)
	require.NoError(t, err)

	snap := g.Snapshot()
	for _, layer := range []struct {
		slots []Slot
		cfg   LayerConfig
	}{
		{snap.Layer2.Slots, cfg.Layer2},
		{snap.Layer3.Slots, cfg.Layer3},
	} {
		for _, slot := range layer.slots {
			lifetime := slot.ExpiresAt.Sub(slot.ChosenAt)

			require.True(t, slot.ChosenAt.Before(slot.ExpiresAt))
			require.GreaterOrEqual(t, lifetime,
				layer.cfg.MinLifetime)
			require.LessOrEqual(t, lifetime,
				layer.cfg.MaxLifetime)
			require.Equal(t, slot.ChosenAt,
				slot.ChosenAt.Truncate(time.Microsecond))
		}
	}
}

func TestRotateIdempotent(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	g := newGuardSet(t, testConfig(), store,
		clock.NewTestClock(testNow))
	snap := testSnapshot(40)

	_, err := g.Update(snap, nil)
	require.NoError(t, err)
	before := g.Snapshot()

	for i := 0; i < 2; i++ {
		changed, err := g.Rotate(snap)
		require.NoError(t, err)
		require.False(t, changed)
	}

	changed, err := g.Update(snap, nil)
	require.NoError(t, err)
	require.False(t, changed)

	require.Equal(t, before, g.Snapshot())
	require.Equal(t, 1, store.saves)
}

// TestMinMaxScenario covers a layer configured for [4,8] vanguards whose
// pool starts with exactly four eligible relays.
func TestMinMaxScenario(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Layer3.Min, cfg.Layer3.Max = 0, 0
	cfg.Layer2.MinLifetime = 24 * time.Hour
	cfg.Layer2.MaxLifetime = 24 * time.Hour

	clk := clock.NewTestClock(testNow)
	g := newGuardSet(t, cfg, &memStore{}, clk)

	_, err := g.Update(testSnapshot(4), nil)
	require.NoError(t, err)
	initial := g.Snapshot().Layer2
	require.ElementsMatch(t, []string{
		fingerprint(1), fingerprint(2), fingerprint(3), fingerprint(4),
	}, initial.Fingerprints())

	// A larger pool does not grow the layer.
	bigger := testSnapshot(20)
	changed, err := g.Update(bigger, nil)
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, initial, g.Snapshot().Layer2)

	// Once the slots expire each one is replaced, still four in total.
	clk.SetTime(testNow.Add(25 * time.Hour))
	changed, err = g.Rotate(bigger)
	require.NoError(t, err)
	require.True(t, changed)

	rotated := g.Snapshot().Layer2
	require.Len(t, rotated.Slots, 4)
	requireDistinct(t, rotated)
	for _, slot := range rotated.Slots {
		require.Equal(t, testNow.Add(25*time.Hour), slot.ChosenAt)
	}
}

func TestExpiredSlotReplacedInPlace(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Layer3.Min, cfg.Layer3.Max = 0, 0

	store := &memStore{state: &statefile.State{
		Layer2: []statefile.Entry{
			{
				Fingerprint: fingerprint(1),
				ChosenAt:    testNow.Add(-48 * time.Hour),
				ExpiresAt:   testNow.Add(-time.Hour),
			},
			{
				Fingerprint: fingerprint(2),
				ChosenAt:    testNow.Add(-48 * time.Hour),
				ExpiresAt:   testNow.Add(time.Hour),
			},
			{
				Fingerprint: fingerprint(3),
				ChosenAt:    testNow.Add(-48 * time.Hour),
				ExpiresAt:   testNow.Add(2 * time.Hour),
			},
			{
				Fingerprint: fingerprint(4),
				ChosenAt:    testNow.Add(-48 * time.Hour),
				ExpiresAt:   testNow.Add(3 * time.Hour),
			},
			{
				Fingerprint: fingerprint(5),
				ChosenAt:    testNow.Add(-48 * time.Hour),
				ExpiresAt:   testNow.Add(4 * time.Hour),
			},
		},
	}}

	g := newGuardSet(t, cfg, store, clock.NewTestClock(testNow))
	changed, err := g.Rotate(testSnapshot(30))
	require.NoError(t, err)
	require.True(t, changed)

	layer := g.Snapshot().Layer2
	require.Len(t, layer.Slots, 5)
	require.Equal(t, []string{
		fingerprint(2), fingerprint(3), fingerprint(4), fingerprint(5),
	}, layer.Fingerprints()[:4])
	require.Equal(t, testNow, layer.Slots[4].ChosenAt)
}

func TestUpdateDropsIneligible(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Layer3.Min, cfg.Layer3.Max = 0, 0

	g := newGuardSet(t, cfg, &memStore{}, clock.NewTestClock(testNow))
	snap := testSnapshot(40)
	_, err := g.Update(snap, nil)
	require.NoError(t, err)

	members := g.Snapshot().Layer2.Fingerprints()

	// Rebuild the consensus without the first member, without the
	// Stable flag on the second, and exclude the third by nickname.
	var (
		relays  []*consensus.Relay
		exclude *consensus.ExcludeSet
	)
	for _, relay := range snap.Sorted {
		r := *relay
		switch r.Fingerprint {
		case members[0]:
			continue
		case members[1]:
			r.Flags &^= consensus.FlagStable
		case members[2]:
			exclude = consensus.ParseExcludeNodes(r.Nickname, "")
		}
		relays = append(relays, &r)
	}
	next := consensus.NewSnapshot(2, testNow, relays, nil)

	changed, err := g.Update(next, exclude)
	require.NoError(t, err)
	require.True(t, changed)

	layer := g.Snapshot().Layer2
	require.Len(t, layer.Slots, 4)
	require.Equal(t, members[3], layer.Slots[0].Fingerprint)
	for _, fp := range members[:3] {
		require.NotContains(t, layer.Fingerprints(), fp)
	}
}

func TestCrossReuseDisabled(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.CrossReuse = false
	cfg.DistinctSubnets = false
	cfg.Layer2.Min, cfg.Layer3.Min = 3, 3
	cfg.Layer3.Max = 3

	g := newGuardSet(t, cfg, &memStore{}, clock.NewTestClock(testNow))
	_, err := g.Update(testSnapshot(6), nil)
	require.NoError(t, err)

	snap := g.Snapshot()
	require.Len(t, snap.Layer2.Slots, 3)
	require.Len(t, snap.Layer3.Slots, 3)
	for _, fp := range snap.Layer2.Fingerprints() {
		require.NotContains(t, snap.Layer3.Fingerprints(), fp)
	}
}

func TestUnderfilledLayer(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	store := &memStore{}
	g := newGuardSet(t, cfg, store, clock.NewTestClock(testNow))

	changed, err := g.Update(testSnapshot(2), nil)
	require.NoError(t, err)
	require.True(t, changed)

	snap := g.Snapshot()
	require.Len(t, snap.Layer2.Slots, 2)
	require.Len(t, snap.Layer3.Slots, 2)
}

func TestTrimAboveMax(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Layer3.Min, cfg.Layer3.Max = 0, 0

	var entries []statefile.Entry
	for i := 1; i <= 10; i++ {
		entries = append(entries, statefile.Entry{
			Fingerprint: fingerprint(i),
			ChosenAt:    testNow,
			ExpiresAt:   testNow.Add(24 * time.Hour),
		})
	}
	store := &memStore{state: &statefile.State{Layer2: entries}}

	g := newGuardSet(t, cfg, store, clock.NewTestClock(testNow))
	changed, err := g.Rotate(testSnapshot(20))
	require.NoError(t, err)
	require.True(t, changed)
	require.Len(t, g.Snapshot().Layer2.Slots, 8)
	require.Equal(t, fingerprint(1)+","+fingerprint(2),
		g.LayerNodes(2)[:81])
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	formatErr := &statefile.StateFormatError{Path: "x", Reason: "bad"}
	g := New(testConfig(), &memStore{loadErr: formatErr},
		clock.NewTestClock(testNow), rand.New(rand.NewPCG(1, 2)))

	var target *statefile.StateFormatError
	require.ErrorAs(t, g.Load(), &target)
}

// TestLoadRejectsRepeatedRelay asserts that a stored layer naming one
// relay twice is refused rather than restored.
func TestLoadRejectsRepeatedRelay(t *testing.T) {
	t.Parallel()

	slot := statefile.Entry{
		Fingerprint: fingerprint(1),
		ChosenAt:    testNow.Add(-time.Hour),
		ExpiresAt:   testNow.Add(time.Hour),
	}
	other := slot
	other.Fingerprint = fingerprint(2)

	tests := []struct {
		name  string
		state *statefile.State
	}{
		{
			name: "layer2",
			state: &statefile.State{
				Layer2: []statefile.Entry{slot, other, slot},
			},
		},
		{
			name: "layer3",
			state: &statefile.State{
				Layer2: []statefile.Entry{other},
				Layer3: []statefile.Entry{slot, slot},
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			g := New(testConfig(), &memStore{state: tc.state},
				clock.NewTestClock(testNow),
				rand.New(rand.NewPCG(1, 2)))

			var target *statefile.StateFormatError
			require.ErrorAs(t, g.Load(), &target)
			require.Contains(t, target.Reason, tc.name)
			require.Empty(t, g.Snapshot().Layer2.Slots)
		})
	}
}

func TestPersistFailure(t *testing.T) {
	t.Parallel()

	store := &memStore{saveErr: errors.New("disk full")}
	g := newGuardSet(t, testConfig(), store, clock.NewTestClock(testNow))

	_, err := g.Update(testSnapshot(40), nil)
	require.ErrorContains(t, err, "disk full")
}

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "vanguards.state")
	clk := clock.NewTestClock(testNow)

	cfg := testConfig()
	cfg.StateFile = path

	g := newGuardSet(t, cfg, statefile.NewStore(path, clk), clk)
	_, err := g.Update(testSnapshot(40), nil)
	require.NoError(t, err)

	restored := newGuardSet(t, cfg, statefile.NewStore(path, clk), clk)

	want, got := g.Snapshot(), restored.Snapshot()
	require.Equal(t, want.Layer2, got.Layer2)
	require.Equal(t, want.Layer3, got.Layer3)
}
