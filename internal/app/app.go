// Package app wires configuration, storage, the thread manager and the HTTP
// surface into one lifecycle. New prepares everything that needs no running
// context; Run starts the background services and blocks until shutdown.
package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"relaydesk/internal/janitor"
	"relaydesk/pkg/config"
	"relaydesk/pkg/courier"
	"relaydesk/pkg/gate"
	"relaydesk/pkg/logger"
	"relaydesk/pkg/migrate"
	"relaydesk/pkg/notify"
	"relaydesk/pkg/provision"
	"relaydesk/pkg/registry"
	"relaydesk/pkg/shutdown"
	"relaydesk/pkg/state"
	"relaydesk/pkg/store"
	"relaydesk/pkg/telemetry"
	"relaydesk/pkg/thread"
	"relaydesk/pkg/validation"
)

// App encapsulates the server components and lifecycle.
type App struct {
	eff       config.EffectiveConfigResult
	version   string
	commit    string
	buildDate string

	gate *gate.Gate
	mgr  *thread.Manager

	janCancel context.CancelFunc
	srv       *http.Server

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New initializes resources that do not require a running context (state
// dirs, logging sinks, the store, runtime keys, validation limits). It does
// not start the manager or the HTTP server; call Run to start those and
// block until shutdown.
func New(eff config.EffectiveConfigResult, version, commit, buildDate string) (*App, error) {
	_ = godotenv.Load(".env")

	// validate effective config early and fail fast
	if err := validateConfig(eff); err != nil {
		return nil, err
	}

	if err := state.EnsureStateDirs(eff.DBPath); err != nil {
		return nil, fmt.Errorf("state layout under %s: %w", eff.DBPath, err)
	}

	logger.InitWithLevel(eff.Config.Logging.Level)
	if err := logger.AttachAuditFileSink(state.PathsVar.Audit); err != nil {
		return nil, fmt.Errorf("audit sink: %w", err)
	}

	applyRuntimeKeys(eff.Config)
	validation.FromConfig(eff.Config.Relay)
	applyTelemetry(eff.Config)

	if err := store.Open(state.PathsVar.Store); err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", state.PathsVar.Store, err)
	}
	store.StartWriteQueue(0)

	a := &App{eff: eff, version: version, commit: commit, buildDate: buildDate, stopCh: make(chan struct{})}
	return a, nil
}

// Run builds the relay engine, recovers persisted state, starts the janitor
// and the HTTP server, and blocks until ctx is canceled or a fatal server
// error occurs. Shutdown drains in reverse order of startup.
func (a *App) Run(ctx context.Context) error {
	cfg := a.eff.Config

	if _, err := migrate.Run(ctx); err != nil {
		return err
	}

	pool := provision.NewPool(
		provision.NewCatalog(cfg.Provision.PoolCapacity),
		primaryPool(cfg), cfg.Provision.FallbackPool,
	)
	a.gate = gate.New(cfg.Gate, gatePool(cfg), gate.StoreDirectory{})
	a.mgr = thread.NewManager(
		cfg.Thread, cfg.Relay, cfg.Provision.NamePrefix,
		registry.New(), a.gate, pool,
		courier.FromConfig(cfg.Courier), notify.FromConfig(cfg.Notify),
	)

	// rebuild live threads and re-arm persisted closures before serving
	if err := a.mgr.Recover(ctx); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	janCancel, err := janitor.Start(ctx, cfg.Janitor)
	if err != nil {
		return fmt.Errorf("janitor: %w", err)
	}
	a.janCancel = janCancel

	shutdown.SetupReloadHandler(ctx, a.reloadConfig)

	a.printBanner()

	errCh := a.startHTTP(ctx)

	select {
	case <-ctx.Done():
		a.stop()
		return nil
	case <-a.stopCh:
		a.stop()
		return nil
	case err := <-errCh:
		a.stop()
		return err
	}
}

// requestStop asks the running server to exit as if a termination signal
// had arrived. The exit request file lands next to crash dumps so
// operators can see who asked and why.
func (a *App) requestStop(reason string) error {
	if _, err := shutdown.RequestExitFile(a.eff.DBPath, reason); err != nil {
		return err
	}
	a.stopOnce.Do(func() { close(a.stopCh) })
	return nil
}

// stop drains the HTTP server, then the manager, then persistence. The
// write queue must stop before the store closes so queued writes land.
func (a *App) stop() {
	if a.srv != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.srv.Shutdown(shutCtx); err != nil {
			logger.Warn("http_shutdown_incomplete", "error", err)
		}
	}
	if a.mgr != nil {
		a.mgr.Shutdown()
	}
	if a.janCancel != nil {
		a.janCancel()
	}
	store.StopWriteQueue()
	if err := store.Close(); err != nil {
		logger.Error("store_close_failed", "error", err)
	}
	logger.Sync()
}

// reloadConfig re-reads the config file and swaps the reloadable parts:
// gate switches, lifecycle tunables, relay limits, janitor settings and
// API keys. Listen address, TLS and the DB path require a restart.
func (a *App) reloadConfig() error {
	if a.eff.Source != "config" || a.eff.ConfigPath == "" {
		return fmt.Errorf("reload requires a config file source")
	}
	cfg, err := config.Load(a.eff.ConfigPath)
	if err != nil {
		return fmt.Errorf("reload %s: %w", a.eff.ConfigPath, err)
	}
	probe := a.eff
	probe.Config = cfg
	if err := validateConfig(probe); err != nil {
		return err
	}

	applyRuntimeKeys(cfg)
	validation.FromConfig(cfg.Relay)
	applyTelemetry(cfg)
	a.gate.Reload(cfg.Gate, gatePool(cfg))
	a.mgr.Reload(cfg.Thread, cfg.Relay)
	janitor.Reload(cfg.Janitor)

	a.eff.Config = cfg
	logger.Info("config_reloaded", "path", a.eff.ConfigPath)
	return nil
}

// applyRuntimeKeys publishes API keys for the auth middleware and handler
// helpers. Gateway keys double as recipient-signature signing keys.
func applyRuntimeKeys(cfg *config.Config) {
	rc := &config.RuntimeConfig{
		GatewayKeys: map[string]struct{}{},
		StaffKeys:   map[string]struct{}{},
		AdminKeys:   map[string]struct{}{},
		SigningKeys: map[string]struct{}{},
	}
	for _, k := range cfg.Security.APIKeys.Gateway {
		rc.GatewayKeys[k] = struct{}{}
		rc.SigningKeys[k] = struct{}{}
	}
	for _, k := range cfg.Security.APIKeys.Staff {
		rc.StaffKeys[k] = struct{}{}
	}
	for _, k := range cfg.Security.APIKeys.Admin {
		rc.AdminKeys[k] = struct{}{}
		rc.SigningKeys[k] = struct{}{}
	}
	config.SetRuntime(rc)
}

// applyTelemetry tunes tracing from config; unset values keep the
// telemetry package defaults.
func applyTelemetry(cfg *config.Config) {
	if cfg.Telemetry.SampleRate > 0 {
		telemetry.SetSampleRate(cfg.Telemetry.SampleRate)
	}
	if d := cfg.Telemetry.SlowThreshold.Duration(); d > 0 {
		telemetry.SetSlowThreshold(d)
	}
}

func primaryPool(cfg *config.Config) string {
	if p := cfg.Provision.PrimaryPool; p != "" {
		return p
	}
	return "main"
}

// gatePool is the membership pool consulted for member-age checks.
func gatePool(cfg *config.Config) string {
	if p := cfg.Gate.Pool; p != "" {
		return p
	}
	return primaryPool(cfg)
}
