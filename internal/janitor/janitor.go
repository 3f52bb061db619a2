// Package janitor runs periodic store hygiene sweeps: expired block entries,
// closure rows and link indexes left behind by crashed closes, and rotated
// audit files past their retention age.
package janitor

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"relaydesk/pkg/config"
	"relaydesk/pkg/logger"
	"relaydesk/pkg/state"
)

var (
	cfgMu     sync.RWMutex
	storedCfg *config.JanitorConfig
)

// Reload stores the sweep config so scheduled and admin-triggered runs pick
// up tunables without a restart.
func Reload(cfg config.JanitorConfig) {
	cfgMu.Lock()
	storedCfg = &cfg
	cfgMu.Unlock()
}

func snapshot() (config.JanitorConfig, bool) {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	if storedCfg == nil {
		return config.JanitorConfig{}, false
	}
	return *storedCfg, true
}

// RunImmediate triggers a single sweep using the stored config. Explicit
// triggers run even while the scheduler is paused.
func RunImmediate(ctx context.Context) (Report, error) {
	cfg, ok := snapshot()
	if !ok {
		return Report{}, fmt.Errorf("no janitor config registered")
	}
	if state.PathsVar.Janitor == "" {
		return Report{}, fmt.Errorf("state paths not initialized")
	}
	return runOnce(ctx, cfg)
}

// Start starts the sweep scheduler if enabled. Returns a cancel func.
func Start(ctx context.Context, cfg config.JanitorConfig) (context.CancelFunc, error) {
	Reload(cfg)

	if !cfg.Enabled {
		logger.Info("janitor_disabled")
		return func() {}, nil
	}

	// lock and bookkeeping artifacts live under <DBPath>/state/janitor
	janitorPath := state.PathsVar.Janitor
	if err := os.MkdirAll(janitorPath, 0o700); err != nil {
		logger.Error("janitor_path_create_failed", "path", janitorPath, "error", err)
		return nil, err
	}

	// map empty cron to default daily @03:00
	cronExpr := cfg.Cron
	if cronExpr == "" {
		cronExpr = "0 3 * * *"
	}
	if !gronx.IsValid(cronExpr) {
		logger.Error("janitor_invalid_cron", "cron", cfg.Cron)
		return nil, fmt.Errorf("invalid janitor cron expression: %s", cfg.Cron)
	}

	logger.Info("janitor_enabled", "cron", cronExpr, "dry_run", cfg.DryRun, "path", janitorPath)
	ctx2, cancel := context.WithCancel(ctx)

	go runScheduler(ctx2, cronExpr)

	logger.Info("janitor_scheduler_started", "path", janitorPath)
	return cancel, nil
}

// runScheduler uses gronx to compute the next tick for the configured cron
// expression and sleeps until that time. This yields sharp scheduling and
// supports full cron syntax.
func runScheduler(ctx context.Context, cronExpr string) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("janitor_scheduler_stopping")
			return
		default:
		}

		// compute next tick after now (UTC). allowCurrent=false so we get the
		// next future tick.
		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("janitor_nexttick_failed", "cron", cronExpr, "error", err)
			// fallback sleep then retry
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				logger.Info("janitor_scheduler_stopping")
				return
			}
			continue
		}

		wait := time.Until(next)
		if wait <= 0 {
			// due now-ish; run immediately
			runScheduled(ctx)
			// small sleep to avoid tight loop
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				logger.Info("janitor_scheduler_stopping")
				return
			}
			continue
		}

		// wait until the exact next tick or cancellation
		select {
		case <-time.After(wait):
			runScheduled(ctx)
		case <-ctx.Done():
			logger.Info("janitor_scheduler_stopping")
			return
		}
	}
}

// runScheduled runs one cron-triggered sweep, honoring the pause switch.
func runScheduled(ctx context.Context) {
	cfg, ok := snapshot()
	if !ok {
		return
	}
	if cfg.Paused {
		logger.Info("janitor_run_skipped", "reason", "paused")
		return
	}
	go func() {
		if _, err := runOnce(ctx, cfg); err != nil {
			logger.Error("janitor_run_error", "error", err)
		}
	}()
}
