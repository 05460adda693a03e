package consensus

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

// identity returns the unpadded base64 form of a hex fingerprint as used
// in "r" lines.
func identity(t *testing.T, fp string) string {
	t.Helper()

	raw, err := hex.DecodeString(fp)
	require.NoError(t, err)

	return base64.RawStdEncoding.EncodeToString(raw)
}

func fingerprint(i int) string {
	return fmt.Sprintf("%040X", i)
}

// routerStatus builds a router status entry in ns/all form.
func routerStatus(t *testing.T, fp, nick, addr, flags,
	weight string) string {

	t.Helper()

	return fmt.Sprintf("r %s %s digestdigestdigestdigestdig "+
		"2024-01-01 00:00:00 %s 9001 0\ns %s\nw %s\n",
		nick, identity(t, fp), addr, flags, weight)
}

func TestDecodeIdentity(t *testing.T) {
	t.Parallel()

	fp := "AABBCCDDEEFF00112233445566778899AABBCCDD"
	got, err := DecodeIdentity(identity(t, fp))
	require.NoError(t, err)
	require.Equal(t, fp, got)

	_, err = DecodeIdentity("!!!")
	require.Error(t, err)

	_, err = DecodeIdentity(base64.RawStdEncoding.EncodeToString(
		[]byte("short"),
	))
	require.Error(t, err)
}

func TestParseRouterStatus(t *testing.T) {
	t.Parallel()

	fp1, fp2 := fingerprint(1), fingerprint(2)
	doc := routerStatus(t, fp1, "alpha", "10.0.0.1",
		"Fast Guard Running Stable Valid", "Bandwidth=100") +
		"a [2001:db8::1]:9001\n" +
		"r beta " + identity(t, fp2) + " 2024-01-01 00:00:00 " +
		"10.1.0.1 443 80\n" +
		"s Exit Fast Running Valid Unknownflag\n" +
		"w Bandwidth=50 Measured=70\n" +
		"p accept 1-65535\n"

	relays, err := ParseRouterStatus(doc)
	require.NoError(t, err)
	require.Len(t, relays, 2)

	alpha := relays[0]
	require.Equal(t, fp1, alpha.Fingerprint)
	require.Equal(t, "alpha", alpha.Nickname)
	require.Equal(t, netip.MustParseAddr("10.0.0.1"), alpha.Address)
	require.EqualValues(t, 9001, alpha.ORPort)
	require.True(t, alpha.Flags.Has(FlagFast|FlagGuard|FlagStable))
	require.False(t, alpha.Flags.Any(FlagExit|FlagAuthority))
	require.EqualValues(t, 100, alpha.Bandwidth)
	require.True(t, alpha.Measured)
	require.Equal(t, []netip.AddrPort{
		netip.MustParseAddrPort("[2001:db8::1]:9001"),
	}, alpha.ORAddrs)

	beta := relays[1]
	require.Equal(t, fp2, beta.Fingerprint)
	require.EqualValues(t, 443, beta.ORPort)
	require.EqualValues(t, 80, beta.DirPort)
	require.True(t, beta.Flags.Has(FlagExit))
	require.EqualValues(t, 70, beta.Bandwidth)
}

func TestParseRouterStatusUnmeasured(t *testing.T) {
	t.Parallel()

	doc := routerStatus(t, fingerprint(3), "gamma", "10.0.0.3", "Fast",
		"Bandwidth=20 Unmeasured=1")

	relays, err := ParseRouterStatus(doc)
	require.NoError(t, err)
	require.False(t, relays[0].Measured)
	require.EqualValues(t, 20, relays[0].Bandwidth)
}

func TestParseRouterStatusMalformed(t *testing.T) {
	t.Parallel()

	good := identity(t, fingerprint(1))

	tests := []struct {
		name string
		doc  string
		line int
	}{
		{
			name: "empty",
			doc:  "",
		},
		{
			name: "short r line",
			doc:  "r alpha " + good + " 10.0.0.1\n",
			line: 1,
		},
		{
			name: "bad identity",
			doc: "r alpha %%%% 2024-01-01 00:00:00 10.0.0.1 " +
				"9001 0\n",
			line: 1,
		},
		{
			name: "bad bandwidth",
			doc: "r alpha " + good + " 2024-01-01 00:00:00 " +
				"10.0.0.1 9001 0\ns Fast\nw Bandwidth=lots\n",
			line: 3,
		},
		{
			name: "s before r",
			doc:  "s Fast Valid\n",
			line: 1,
		},
		{
			name: "w before r",
			doc:  "w Bandwidth=1\n",
			line: 1,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			_, err := ParseRouterStatus(test.doc)

			var parseErr *ParseError
			require.ErrorAs(t, err, &parseErr)
			require.Equal(t, test.line, parseErr.Line)
		})
	}
}

func TestParseBandwidthWeights(t *testing.T) {
	t.Parallel()

	doc := "network-status-version 3 microdesc\n" +
		"bandwidth-weights Wbd=0 Wmg=4096 Wmm=10000 Wme=0\n" +
		"directory-signature foo\n"

	weights, err := ParseBandwidthWeights(doc)
	require.NoError(t, err)
	require.Equal(t, map[string]int64{
		"Wbd": 0, "Wmg": 4096, "Wmm": 10000, "Wme": 0,
	}, weights)

	_, err = ParseBandwidthWeights("network-status-version 3\n")
	require.ErrorIs(t, err, errNoWeights)

	_, err = ParseBandwidthWeights("bandwidth-weights Wmg=x\n")
	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
}

func TestMutualFamilies(t *testing.T) {
	t.Parallel()

	fp1, fp2, fp3 := fingerprint(1), fingerprint(2), fingerprint(3)
	doc := "onion-key\nid rsa1024 " + identity(t, fp1) + "\n" +
		"family $" + fp2 + " $" + fp3 + "~nick notafingerprint\n" +
		"onion-key\nid rsa1024 " + identity(t, fp2) + "\n" +
		"family $" + fp1 + "=other\n" +
		"onion-key\nid ed25519 whatever\nfamily $" + fp1 + "\n" +
		"onion-key\nid rsa1024 " + identity(t, fp3) + "\n"

	declared := ParseMicrodescFamilies(doc)
	require.Equal(t, []string{fp2, fp3}, declared[fp1])
	require.Equal(t, []string{fp1}, declared[fp2])
	require.NotContains(t, declared, fp3)

	families := MutualFamilies(declared)
	require.Equal(t, map[string]map[string]struct{}{
		fp1: {fp2: {}},
		fp2: {fp1: {}},
	}, families)
}

func TestNewSnapshotOrdering(t *testing.T) {
	t.Parallel()

	relays := []*Relay{
		{Fingerprint: fingerprint(3), Bandwidth: 10},
		{Fingerprint: fingerprint(2), Bandwidth: 50},
		{Fingerprint: fingerprint(1), Bandwidth: 10},
	}
	snap := NewSnapshot(1, time.Unix(0, 0), relays, map[string]int64{
		"Wmg": 5000,
	})

	var order []string
	for _, relay := range snap.Sorted {
		order = append(order, relay.Fingerprint)
	}
	require.Equal(t, []string{
		fingerprint(2), fingerprint(1), fingerprint(3),
	}, order)

	require.EqualValues(t, 5000, snap.Weight("Wmg"))
	require.EqualValues(t, DefaultWeight, snap.Weight("Wme"))

	_, ok := snap.Relay(fingerprint(1))
	require.True(t, ok)
}

func TestParseExcludeNodes(t *testing.T) {
	t.Parallel()

	fp := "AABBCCDDEEFF00112233445566778899AABBCCDD"

	set := ParseExcludeNodes("$"+strings.ToLower(fp)+"~nick, BadRelay, "+
		"{US},10.0.0.0/8, 192.168.1.1,2001:db8::/32,{toolong},", "auto")

	require.Contains(t, set.Fingerprints, fp)
	require.Contains(t, set.Nicknames, "BadRelay")
	require.Contains(t, set.Countries, "us")
	require.Contains(t, set.Countries, unknownCountry)
	require.Len(t, set.Countries, 3)
	require.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("192.168.1.1/32"),
		netip.MustParsePrefix("2001:db8::/32"),
	}, set.Networks)

	tests := []struct {
		name     string
		relay    *Relay
		excluded bool
	}{
		{
			name:     "fingerprint",
			relay:    &Relay{Fingerprint: fp},
			excluded: true,
		},
		{
			name:     "nickname",
			relay:    &Relay{Nickname: "BadRelay"},
			excluded: true,
		},
		{
			name: "network",
			relay: &Relay{
				Address: netip.MustParseAddr("10.2.3.4"),
			},
			excluded: true,
		},
		{
			name: "ipv6 or address",
			relay: &Relay{
				Address: netip.MustParseAddr("1.1.1.1"),
				ORAddrs: []netip.AddrPort{
					netip.MustParseAddrPort(
						"[2001:db8::5]:9001",
					),
				},
			},
			excluded: true,
		},
		{
			name:     "country",
			relay:    &Relay{Country: "us"},
			excluded: true,
		},
		{
			name:     "unknown country",
			relay:    &Relay{Country: unknownCountry},
			excluded: true,
		},
		{
			name: "allowed",
			relay: &Relay{
				Fingerprint: fingerprint(9),
				Nickname:    "GoodRelay",
				Address:     netip.MustParseAddr("8.8.8.8"),
				Country:     "de",
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			require.Equal(t, test.excluded,
				set.Excludes(test.relay))
		})
	}
}

func TestParseExcludeNodesUnknownCountries(t *testing.T) {
	t.Parallel()

	require.Empty(t, ParseExcludeNodes("BadRelay", "auto").Countries)
	require.Contains(t, ParseExcludeNodes("", "1").Countries,
		unknownCountry)
	require.NotContains(t, ParseExcludeNodes("{de}", "0").Countries,
		unknownCountry)
	require.True(t, ParseExcludeNodes("", "").Empty())
}

// fakeSource serves canned GETINFO and GETCONF answers.
type fakeSource struct {
	mu      sync.Mutex
	info    map[string]string
	conf    map[string][]string
	failAll bool
	queries [][]string
}

func (f *fakeSource) GetInfo(_ context.Context,
	keys ...string) (map[string]string, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	f.queries = append(f.queries, keys)
	if f.failAll {
		return nil, errors.New("connection closed")
	}

	reply := make(map[string]string, len(keys))
	for _, key := range keys {
		value, ok := f.info[key]
		if !ok {
			return nil, fmt.Errorf("unknown key %s", key)
		}
		reply[key] = value
	}

	return reply, nil
}

func (f *fakeSource) GetConf(_ context.Context, key string) ([]string,
	error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.conf[key], nil
}

func TestViewRefresh(t *testing.T) {
	t.Parallel()

	fp1, fp2 := fingerprint(1), fingerprint(2)
	src := &fakeSource{
		info: map[string]string{
			"ns/all": routerStatus(t, fp1, "alpha", "10.0.0.1",
				"Fast Stable Valid", "Bandwidth=10") +
				routerStatus(t, fp2, "beta", "10.1.0.1",
					"Fast Stable Valid", "Bandwidth=20"),
			"md/all": "onion-key\nid rsa1024 " +
				identity(t, fp1) + "\nfamily $" + fp2 + "\n" +
				"onion-key\nid rsa1024 " + identity(t, fp2) +
				"\nfamily $" + fp1 + "\n",
			"ip-to-country/10.0.0.1": "US",
			"ip-to-country/10.1.0.1": "",
		},
		conf: map[string][]string{
			"DataDirectory": {"/var/lib/tor"},
		},
	}

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var readPath string
	view := NewView(src, &ViewConfig{
		Clock:        clock.NewTestClock(now),
		Families:     true,
		CountryBatch: 1,
		ReadFile: func(name string) ([]byte, error) {
			readPath = name
			return []byte("bandwidth-weights Wmg=3000\n"), nil
		},
	})
	require.Nil(t, view.Snapshot())

	view.SetExclusions(ParseExcludeNodes("{us}", "auto"))
	require.NoError(t, view.Refresh(context.Background()))

	snap := view.Snapshot()
	require.NotNil(t, snap)
	require.EqualValues(t, 1, snap.Epoch)
	require.Equal(t, now, snap.FetchedAt)
	require.Equal(t, "/var/lib/tor/cached-microdesc-consensus", readPath)
	require.EqualValues(t, 3000, snap.Weight("Wmg"))
	require.Equal(t, fp2, snap.Sorted[0].Fingerprint)
	require.True(t, snap.SameFamily(fp1, fp2))

	alpha, _ := snap.Relay(fp1)
	beta, _ := snap.Relay(fp2)
	require.Equal(t, "us", alpha.Country)
	require.Equal(t, unknownCountry, beta.Country)
	require.True(t, view.Exclusions().Excludes(alpha))

	// A failing refresh keeps the previous snapshot.
	src.mu.Lock()
	src.failAll = true
	src.mu.Unlock()

	require.Error(t, view.Refresh(context.Background()))
	require.Same(t, snap, view.Snapshot())
}

func TestViewWeightsFallback(t *testing.T) {
	t.Parallel()

	src := &fakeSource{
		info: map[string]string{
			"ns/all": routerStatus(t, fingerprint(1), "alpha",
				"10.0.0.1", "Fast", "Bandwidth=10"),
			"dir/status-vote/current/consensus": "bandwidth-weights " +
				"Wmm=9000\n",
		},
	}

	view := NewView(src, &ViewConfig{
		ReadFile: func(string) ([]byte, error) {
			return nil, errors.New("unreadable")
		},
	})
	require.NoError(t, view.Refresh(context.Background()))
	require.EqualValues(t, 9000, view.Snapshot().Weight("Wmm"))

	// A second refresh advances the epoch.
	require.NoError(t, view.Refresh(context.Background()))
	require.EqualValues(t, 2, view.Snapshot().Epoch)
}

func TestViewMalformedKeepsSnapshot(t *testing.T) {
	t.Parallel()

	src := &fakeSource{
		info: map[string]string{
			"ns/all": "s Fast\n",
			"dir/status-vote/current/consensus": "",
		},
	}

	view := NewView(src, &ViewConfig{})
	err := view.Refresh(context.Background())

	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	require.Nil(t, view.Snapshot())
}

// stallingSource fails ns/all and holds md/all until the request is
// cancelled.
type stallingSource struct {
	fakeSource
}

func (s *stallingSource) GetInfo(ctx context.Context,
	keys ...string) (map[string]string, error) {

	switch keys[0] {
	case "ns/all":
		return nil, errors.New("consensus unavailable")

	case "md/all":
		<-ctx.Done()
		return nil, ctx.Err()
	}

	return s.fakeSource.GetInfo(ctx, keys...)
}

// TestViewRefreshCancelsOnFailure asserts that a failed consensus fetch
// abandons the family fetch still in flight.
func TestViewRefreshCancelsOnFailure(t *testing.T) {
	t.Parallel()

	view := NewView(&stallingSource{}, &ViewConfig{
		Families: true,
		ReadFile: func(string) ([]byte, error) {
			return []byte("bandwidth-weights Wmg=3000\n"), nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := view.Refresh(ctx)
	require.ErrorContains(t, err, "consensus unavailable")
	require.NoError(t, ctx.Err())
	require.Nil(t, view.Snapshot())
}
