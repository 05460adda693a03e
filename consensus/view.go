package consensus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/clock"
	"golang.org/x/sync/errgroup"
)

const (
	// microdescConsensusFile is the name of the cached consensus inside
	// tor's data directory.
	microdescConsensusFile = "cached-microdesc-consensus"

	// DefaultCountryBatch is the number of ip-to-country keys sent in a
	// single GETINFO.
	DefaultCountryBatch = 500
)

// InfoSource is the part of the control channel the View reads from.
type InfoSource interface {
	// GetInfo queries one or more GETINFO keys.
	GetInfo(ctx context.Context, keys ...string) (map[string]string,
		error)

	// GetConf returns the values of a configuration option.
	GetConf(ctx context.Context, key string) ([]string, error)
}

// ViewConfig holds the View's settings.
type ViewConfig struct {
	// Clock stamps each snapshot.
	Clock clock.Clock

	// Families enables fetching microdescriptor family declarations.
	Families bool

	// CountryBatch bounds the number of ip-to-country lookups sent in one
	// command. Zero means DefaultCountryBatch.
	CountryBatch int

	// ReadFile reads the cached consensus. Defaults to os.ReadFile.
	ReadFile func(name string) ([]byte, error)
}

// View keeps the most recent consensus snapshot. Snapshot may be called
// from any goroutine; Refresh is called by the single owner of the
// control connection.
type View struct {
	src InfoSource
	cfg ViewConfig

	current atomic.Pointer[Snapshot]
	exclude atomic.Pointer[ExcludeSet]
	epoch   atomic.Uint64
}

// NewView creates a View reading from src. No snapshot is available until
// the first successful Refresh.
func NewView(src InfoSource, cfg *ViewConfig) *View {
	v := &View{
		src: src,
		cfg: *cfg,
	}
	if v.cfg.Clock == nil {
		v.cfg.Clock = clock.NewDefaultClock()
	}
	if v.cfg.CountryBatch <= 0 {
		v.cfg.CountryBatch = DefaultCountryBatch
	}
	if v.cfg.ReadFile == nil {
		v.cfg.ReadFile = os.ReadFile
	}

	return v
}

// Snapshot returns the current snapshot, or nil before the first refresh.
func (v *View) Snapshot() *Snapshot {
	return v.current.Load()
}

// SetExclusions sets the ExcludeNodes set applied from the next Refresh
// on. Country codes are only resolved when the set lists countries.
func (v *View) SetExclusions(excl *ExcludeSet) {
	v.exclude.Store(excl)
}

// Exclusions returns the set passed to SetExclusions.
func (v *View) Exclusions() *ExcludeSet {
	return v.exclude.Load()
}

// Refresh fetches and parses the current consensus and atomically
// replaces the snapshot. On error the previous snapshot is kept.
func (v *View) Refresh(ctx context.Context) error {
	var (
		relays   []*Relay
		weights  map[string]int64
		families map[string]map[string]struct{}
	)

	// The control connection answers one request at a time. The group
	// lets parsing of ns/all overlap the remaining round trips, and
	// cancels them when the consensus can't be read.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		info, err := v.src.GetInfo(gctx, "ns/all")
		if err != nil {
			return err
		}

		relays, err = ParseRouterStatus(info["ns/all"])
		return err
	})
	g.Go(func() error {
		weights = v.fetchWeights(gctx)
		return nil
	})
	if v.cfg.Families {
		g.Go(func() error {
			families = v.fetchFamilies(gctx)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		var parseErr *ParseError
		if errors.As(err, &parseErr) {
			log.Errorf("Unable to parse consensus, keeping "+
				"previous snapshot: %v", err)
		}

		return fmt.Errorf("consensus refresh: %w", err)
	}

	for _, relay := range relays {
		relay.Family = families[relay.Fingerprint]
	}

	if excl := v.exclude.Load(); excl.HasCountries() {
		if err := v.resolveCountries(ctx, relays); err != nil {
			return fmt.Errorf("unable to resolve relay "+
				"countries: %w", err)
		}
	}

	snap := NewSnapshot(
		v.epoch.Add(1), v.cfg.Clock.Now(), relays, weights,
	)
	v.current.Store(snap)

	log.Infof("Consensus snapshot %d: %d relays, %d weights",
		snap.Epoch, len(snap.Relays), len(snap.Weights))
	log.Tracef("Bandwidth weights: %v", newLogClosure(func() string {
		return spew.Sdump(snap.Weights)
	}))

	return nil
}

// fetchWeights reads bandwidth-weights from tor's cached consensus file,
// falling back to the control port. Missing weights are logged and the
// defaults used.
func (v *View) fetchWeights(ctx context.Context) map[string]int64 {
	var doc string

	dataDir, err := v.src.GetConf(ctx, "DataDirectory")
	if err == nil && len(dataDir) > 0 && dataDir[0] != "" {
		path := filepath.Join(dataDir[0], microdescConsensusFile)
		raw, readErr := v.cfg.ReadFile(path)
		if readErr == nil {
			doc = string(raw)
		} else {
			log.Debugf("Unable to read %s: %v", path, readErr)
		}
	}

	if doc == "" {
		key := "dir/status-vote/current/consensus"
		info, err := v.src.GetInfo(ctx, key)
		if err != nil {
			log.Warnf("Unable to fetch consensus for bandwidth "+
				"weights, using defaults: %v", err)
			return nil
		}
		doc = info[key]
	}

	weights, err := ParseBandwidthWeights(doc)
	if err != nil {
		log.Warnf("No usable bandwidth weights, using defaults: %v",
			err)
		return nil
	}

	return weights
}

// fetchFamilies reads microdescriptor family declarations. Failures leave
// relays without family information.
func (v *View) fetchFamilies(ctx context.Context) map[string]map[string]struct{} {
	info, err := v.src.GetInfo(ctx, "md/all")
	if err != nil {
		log.Debugf("Unable to fetch microdescriptors: %v", err)
		return nil
	}

	return MutualFamilies(ParseMicrodescFamilies(info["md/all"]))
}

// resolveCountries fills in Relay.Country using tor's geoip database.
func (v *View) resolveCountries(ctx context.Context, relays []*Relay) error {
	var addrs []string
	seen := make(map[string]struct{})
	for _, relay := range relays {
		addr := relay.Address.String()
		if _, ok := seen[addr]; ok || !relay.Address.IsValid() {
			continue
		}
		seen[addr] = struct{}{}
		addrs = append(addrs, addr)
	}

	countries := make(map[string]string, len(addrs))
	for start := 0; start < len(addrs); start += v.cfg.CountryBatch {
		end := min(start+v.cfg.CountryBatch, len(addrs))

		keys := make([]string, 0, end-start)
		for _, addr := range addrs[start:end] {
			keys = append(keys, "ip-to-country/"+addr)
		}

		info, err := v.src.GetInfo(ctx, keys...)
		if err != nil {
			return err
		}
		for key, cc := range info {
			addr := strings.TrimPrefix(key, "ip-to-country/")
			countries[addr] = strings.ToLower(cc)
		}
	}

	for _, relay := range relays {
		cc, ok := countries[relay.Address.String()]
		if !ok || cc == "" {
			cc = unknownCountry
		}
		relay.Country = cc
	}

	return nil
}
