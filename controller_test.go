package vanguards

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/hsguard/vanguards/monitoring"
	"github.com/hsguard/vanguards/statefile"
	"github.com/hsguard/vanguards/tor"
	"github.com/hsguard/vanguards/tor/tortest"
	"github.com/hsguard/vanguards/vgcfg"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

func fingerprint(i int) string {
	return fmt.Sprintf("%040X", i)
}

// nsAll returns an ns/all document of n guard-eligible relays, each in its
// own /16.
func nsAll(t *testing.T, n int) string {
	t.Helper()

	var b strings.Builder
	for i := 1; i <= n; i++ {
		raw, err := hex.DecodeString(fingerprint(i))
		require.NoError(t, err)

		fmt.Fprintf(&b, "r relay%d %s digestdigestdigestdigestdig "+
			"2024-01-01 00:00:00 10.%d.0.1 9001 0\r\n", i,
			base64.RawStdEncoding.EncodeToString(raw), i)
		b.WriteString("s Fast Guard Running Stable Valid\r\n")
		fmt.Fprintf(&b, "w Bandwidth=%d\r\n", 1000+i)
	}

	return b.String()
}

// torHandler answers the commands the controller sends to a Tor without
// any cached consensus file or microdescriptors.
func torHandler(consensus string) tortest.Handler {
	return func(cmd string) string {
		if resp, ok := tortest.NullAuth(cmd); ok {
			return resp
		}

		switch {
		case cmd == "GETINFO ns/all":
			return "250+ns/all=\r\n" + consensus + ".\r\n250 OK\r\n"

		case strings.HasPrefix(cmd, "GETINFO "):
			return "552 Unrecognized key\r\n"

		case strings.HasPrefix(cmd, "GETCONF "):
			return "250 " + strings.TrimPrefix(cmd, "GETCONF ") +
				"\r\n"

		default:
			return "250 OK\r\n"
		}
	}
}

// testConfig returns a validated config pointing at addr with the state
// file in a temporary directory.
func testConfig(t *testing.T, addr string) *Config {
	t.Helper()

	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.ControlIP = host
	cfg.ControlPort, err = strconv.Atoi(port)
	require.NoError(t, err)
	cfg.StateFile = filepath.Join(t.TempDir(), "vanguards.state")

	clean, err := ValidateConfig(cfg)
	require.NoError(t, err)

	return clean
}

func newTestController(t *testing.T, cfg *Config,
	clk clock.Clock) (*Controller, *ticker.Force) {

	t.Helper()

	c, err := NewController(cfg, clk, monitoring.NewMetrics(clk))
	require.NoError(t, err)

	force := ticker.NewForce(time.Hour)
	c.newTicker = func(time.Duration) ticker.Ticker {
		return force
	}
	c.retryInitial = 10 * time.Millisecond
	c.retryMax = 50 * time.Millisecond

	return c, force
}

// runController runs c until the test ends and returns the channel Run's
// result is delivered on.
func runController(t *testing.T, c *Controller) (context.CancelFunc,
	<-chan error) {

	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)
	go func() {
		errChan <- c.Run(ctx)
	}()
	t.Cleanup(cancel)

	return cancel, errChan
}

func waitErr(t *testing.T, errChan <-chan error) error {
	t.Helper()

	select {
	case err := <-errChan:
		return err
	case <-time.After(testTimeout):
		t.Fatal("controller did not return")
		return nil
	}
}

// TestRunOnce asserts that a one-shot pass picks both layers, sets them in
// Tor and persists them for the next start.
func TestRunOnce(t *testing.T) {
	t.Parallel()

	srv := tortest.NewServer(t, torHandler(nsAll(t, 16)))
	cfg := testConfig(t, srv.Addr())
	clk := clock.NewTestClock(time.Now())
	c, _ := newTestController(t, cfg, clk)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, c.RunOnce(ctx))

	srv.WaitCommand("GETCONF ExcludeNodes")
	setconf := srv.WaitCommand("SETCONF")
	require.Contains(t, setconf, `NumEntryGuards="2"`)
	require.Contains(t, setconf, `NumDirectoryGuards="2"`)
	require.NotContains(t, setconf, "GuardLifetime")

	snap := c.guards.Snapshot()
	require.Len(t, snap.Layer2.Slots, 4)
	require.Len(t, snap.Layer3.Slots, 8)
	for _, slot := range append(snap.Layer2.Slots, snap.Layer3.Slots...) {
		require.Contains(t, setconf, slot.Fingerprint)
	}

	_, err := os.Stat(cfg.StateFile)
	require.NoError(t, err)

	// A restart restores the same layers.
	restarted, _ := newTestController(t, cfg, clk)
	restored := restarted.guards.Snapshot()
	require.Equal(t, snap.Layer2.Fingerprints(), restored.Layer2.Fingerprints())
	require.Equal(t, snap.Layer3.Fingerprints(), restored.Layer3.Fingerprints())
}

// TestDisabledVanguardsLeaveTorAlone asserts that without vanguards no
// layer is set and NEWCONSENSUS is only followed for rendguard.
func TestDisabledVanguardsLeaveTorAlone(t *testing.T) {
	t.Parallel()

	srv := tortest.NewServer(t, torHandler(nsAll(t, 16)))
	cfg := testConfig(t, srv.Addr())
	cfg.EnableVanguards = false
	cfg.EnableLogguard = false
	c, _ := newTestController(t, cfg, clock.NewTestClock(time.Now()))

	cancel, errChan := runController(t, c)

	setevents := srv.WaitCommand("SETEVENTS")
	require.Contains(t, setevents, "NEWCONSENSUS")
	require.NotContains(t, setevents, "SIGNAL")

	cancel()
	require.NoError(t, waitErr(t, errChan))

	require.Empty(t, c.guards.Snapshot().Layer2.Slots)
	_, err := os.Stat(cfg.StateFile)
	require.True(t, errors.Is(err, os.ErrNotExist))
}

// TestSessionEvents drives a session through a bandwidth breach, a new
// consensus, a Tor reload and vanguard expiry.
func TestSessionEvents(t *testing.T) {
	t.Parallel()

	srv := tortest.NewServer(t, torHandler(nsAll(t, 16)))
	cfg := testConfig(t, srv.Addr())
	cfg.Bandguards.CircMaxMegabytes = 1

	start := time.Now()
	clk := clock.NewTestClock(start)
	c, force := newTestController(t, cfg, clk)

	cancel, errChan := runController(t, c)

	setevents := srv.WaitCommand("SETEVENTS")
	for _, kind := range []string{
		"NEWCONSENSUS", "SIGNAL", "CIRC", "CIRC_BW", "ORCONN",
		"NOTICE", "WARN",
	} {
		require.Contains(t, setevents, kind)
	}

	srv.Send("650 CIRC 7 BUILT $" + fingerprint(1) + "~relay1 " +
		"PURPOSE=HS_SERVICE_REND HS_STATE=HSSR_JOINED\r\n")
	srv.Send("650 CIRC_BW ID=7 READ=0 WRITTEN=5000000\r\n")
	require.Equal(t, "CLOSECIRCUIT 7", srv.WaitCommand("CLOSECIRCUIT"))

	srv.Send("650 NEWCONSENSUS\r\n")
	srv.WaitCommand("GETINFO ns/all")
	srv.WaitCommand("SETCONF")

	srv.Send("650 SIGNAL RELOAD\r\n")
	srv.WaitCommand("GETCONF ExcludeNodes")
	srv.WaitCommand("SETCONF")

	// Every layer 3 slot lives at most 48 hours.
	clk.SetTime(start.Add(49 * time.Hour))
	select {
	case force.Force <- clk.Now():
	case <-time.After(testTimeout):
		t.Fatal("tick not consumed")
	}
	setconf := srv.WaitCommand("SETCONF")
	require.Contains(t, setconf, "HSLayer3Nodes")

	cancel()
	require.NoError(t, waitErr(t, errChan))

	for _, slot := range c.guards.Snapshot().Layer3.Slots {
		require.True(t, slot.ExpiresAt.After(clk.Now()))
	}
}

// TestReconnect asserts that a dropped control connection is replaced and
// the session set up again.
func TestReconnect(t *testing.T) {
	t.Parallel()

	srv := tortest.NewServer(t, torHandler(nsAll(t, 16)))
	cfg := testConfig(t, srv.Addr())
	c, _ := newTestController(t, cfg, clock.NewTestClock(time.Now()))

	cancel, errChan := runController(t, c)

	srv.WaitConnected()
	first := srv.WaitCommand("SETCONF")
	srv.WaitCommand("SETEVENTS")

	srv.Disconnect()
	srv.WaitConnected()

	// The layers survive the reconnect.
	require.Equal(t, first, srv.WaitCommand("SETCONF"))
	srv.WaitCommand("SETEVENTS")

	cancel()
	require.NoError(t, waitErr(t, errChan))
}

func TestRunErrors(t *testing.T) {
	t.Parallel()

	closedAddr := func(t *testing.T) string {
		lis, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := lis.Addr().String()
		require.NoError(t, lis.Close())

		return addr
	}

	tests := []struct {
		name   string
		addr   func(t *testing.T) string
		modify func(cfg *Config)
		check  func(t *testing.T, err error)
	}{
		{
			name: "retry limit",
			addr: closedAddr,
			check: func(t *testing.T, err error) {
				var chanErr *tor.ChannelError
				require.ErrorAs(t, err, &chanErr)
				require.ErrorContains(t, err, "giving up")
			},
		},
		{
			name: "password required",
			addr: func(t *testing.T) string {
				srv := tortest.NewServer(t, func(cmd string) string {
					if strings.HasPrefix(cmd, "PROTOCOLINFO") {
						return "250-PROTOCOLINFO 1\r\n" +
							"250-AUTH METHODS=HASHEDPASSWORD\r\n" +
							"250 OK\r\n"
					}

					return "250 OK\r\n"
				})

				return srv.Addr()
			},
			check: func(t *testing.T, err error) {
				var authErr *tor.AuthError
				require.ErrorAs(t, err, &authErr)
			},
		},
		{
			name: "unusable log buffer",
			addr: func(t *testing.T) string {
				srv := tortest.NewServer(
					t, torHandler(nsAll(t, 16)),
				)

				return srv.Addr()
			},
			modify: func(cfg *Config) {
				cfg.Logguard.DumpLevel = "LOUD"
			},
			check: func(t *testing.T, err error) {
				var cfgErr *vgcfg.ValidationError
				require.ErrorAs(t, err, &cfgErr)
				require.Equal(t, "logguard", cfgErr.Field)
				require.True(t, isFatal(err))
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := testConfig(t, tc.addr(t))
			cfg.RetryLimit = 2
			if tc.modify != nil {
				tc.modify(cfg)
			}
			c, _ := newTestController(
				t, cfg, clock.NewTestClock(time.Now()),
			)

			ctx, cancel := context.WithTimeout(
				context.Background(), testTimeout,
			)
			defer cancel()

			err := c.Run(ctx)
			require.Error(t, err)
			require.NoError(t, ctx.Err())
			tc.check(t, err)
		})
	}
}

// TestCorruptStateIsFatal asserts that an unreadable state file stops the
// controller before it connects and is left in place.
func TestCorruptStateIsFatal(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "127.0.0.1:9051")
	require.NoError(t, os.WriteFile(cfg.StateFile, []byte("junk"), 0600))

	clk := clock.NewDefaultClock()
	_, err := NewController(cfg, clk, monitoring.NewMetrics(clk))

	var formatErr *statefile.StateFormatError
	require.ErrorAs(t, err, &formatErr)
	require.True(t, isFatal(err))

	data, err := os.ReadFile(cfg.StateFile)
	require.NoError(t, err)
	require.Equal(t, "junk", string(data))
}

func TestEndpoints(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		mutate   func(cfg *Config)
		expected []string
	}{
		{
			name:     "defaults",
			mutate:   func(*Config) {},
			expected: []string{"tcp:127.0.0.1:9051", "unix:/run/tor/control"},
		},
		{
			name: "port",
			mutate: func(cfg *Config) {
				cfg.ControlIP = "::1"
				cfg.ControlPort = 9151
			},
			expected: []string{"tcp:[::1]:9151"},
		},
		{
			name: "socket",
			mutate: func(cfg *Config) {
				cfg.ControlSocket = "/var/run/tor/control"
			},
			expected: []string{"unix:/var/run/tor/control"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := DefaultConfig()
			tc.mutate(&cfg)
			c := &Controller{cfg: &cfg}

			var got []string
			for _, ep := range c.endpoints() {
				got = append(got, ep.Network+":"+ep.Address)
				require.Equal(t, cfg.EventQueueSize, ep.EventQueueSize)
			}
			require.Equal(t, tc.expected, got)
		})
	}
}
