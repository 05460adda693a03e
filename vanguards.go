package vanguards

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/coreos/go-systemd/daemon"
	"github.com/hsguard/vanguards/build"
	"github.com/hsguard/vanguards/monitoring"
	"github.com/hsguard/vanguards/signal"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/healthcheck"
	"golang.org/x/sync/errgroup"
)

// Main is the true entry point of the daemon. It is required since
// defers created in the top-level scope of a main method aren't executed
// if os.Exit() is called.
func Main(cfg *Config, interceptor signal.Interceptor) error {
	defer func() {
		vngdLog.Info("Shutdown complete")
		if err := logRotator.Close(); err != nil {
			fmt.Printf("Could not close log rotator: %v\n", err)
		}
	}()

	if err := initLogging(cfg); err != nil {
		return fmt.Errorf("unable to initialize logging: %w", err)
	}

	vngdLog.Infof("Version: %s commit=%s, build=%v, state file %s",
		build.Version(), build.Commit, build.Deployment, cfg.StateFile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-interceptor.ShutdownChannel():
			cancel()
		case <-ctx.Done():
		}
	}()

	clk := clock.NewDefaultClock()
	metrics := monitoring.NewMetrics(clk)

	ctrl, err := NewController(cfg, clk, metrics)
	if err != nil {
		return fmt.Errorf("unable to load vanguard state: %w", err)
	}

	if cfg.OneShotVanguards {
		return ctrl.RunOnce(ctx)
	}
	ctrl.onReady = notifyReady

	// Critical health check failures request a graceful shutdown.
	shutdownLog := build.NewShutdownLogger(
		vngdLog, interceptor.RequestShutdown,
	)
	monitor := healthcheck.NewMonitor(&healthcheck.Config{
		Checks:   healthChecks(cfg),
		Shutdown: shutdownLog.Criticalf,
	})
	if err := monitor.Start(); err != nil {
		return fmt.Errorf("unable to start health monitor: %w", err)
	}
	defer func() {
		if err := monitor.Stop(); err != nil {
			vngdLog.Warnf("Unable to stop health monitor: %v", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Prometheus.Enabled() {
		g.Go(func() error {
			return monitoring.ExportPrometheusMetrics(
				gctx, *cfg.Prometheus, metrics,
			)
		})
	}
	g.Go(func() error {
		return ctrl.Run(gctx)
	})

	return g.Wait()
}

// notifyReady reports readiness to systemd when it supervises us. Outside
// of systemd this is a no-op.
func notifyReady(status string) {
	notified, err := daemon.SdNotify(
		false, daemon.SdNotifyReady+"\nSTATUS="+status,
	)
	switch {
	case err != nil:
		vngdLog.Warnf("Unable to notify systemd: %v", err)

	case notified:
		vngdLog.Debugf("Notified systemd: %s", status)
	}
}

// healthChecks returns the enabled health checks. The disk check watches
// the directory holding the state file, since a full disk makes every
// rotation fail to persist.
func healthChecks(cfg *Config) []*healthcheck.Observation {
	disk := cfg.HealthChecks.Disk
	if disk.Attempts == 0 {
		return nil
	}

	dir := filepath.Dir(cfg.StateFile)
	diskCheck := healthcheck.NewObservation(
		"disk space",
		func() error {
			free, err := healthcheck.AvailableDiskSpaceRatio(dir)
			if err != nil {
				return err
			}

			// If we have more free space than we require, we
			// return a nil error.
			if free > disk.RequiredRemaining {
				return nil
			}

			return fmt.Errorf("require: %v free space, got: %v",
				disk.RequiredRemaining, free)
		},
		disk.Interval,
		disk.Timeout,
		disk.Backoff,
		disk.Attempts,
	)

	return []*healthcheck.Observation{diskCheck}
}
