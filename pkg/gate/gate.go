// Package gate runs the admission checks that decide whether an inbound
// message from a recipient may open (or keep using) a thread. Checks run in
// a fixed order and short-circuit on the first failure: block list, account
// and membership age, cooldown since the last closed thread, then the
// global disable switches.
package gate

import (
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"relaydesk/pkg/config"
	"relaydesk/pkg/logger"
	"relaydesk/pkg/metrics"
	"relaydesk/pkg/models"
	"relaydesk/pkg/store"
)

// Code identifies why the gate denied an inbound message.
type Code string

const (
	CodeBlocked    Code = "blocked"
	CodeAccountAge Code = "account_age"
	CodeMemberAge  Code = "member_age"
	CodeCooldown   Code = "cooldown"
	CodePaused     Code = "paused"
)

// DenialError is returned when an inbound message fails a gate check. A
// denial creates no thread, consumes no cooldown and records no message.
type DenialError struct {
	Code   Code
	Reason string
}

func (e *DenialError) Error() string {
	return fmt.Sprintf("gate denied (%s): %s", e.Code, e.Reason)
}

// Directory resolves recipient identity records for age checks.
type Directory interface {
	Identity(recipientID string) (models.Identity, error)
}

// StoreDirectory reads identity records from the local store. Records are
// upserted by the gateway through the identity admin endpoint.
type StoreDirectory struct{}

func (StoreDirectory) Identity(recipientID string) (models.Identity, error) {
	return store.GetIdentity(recipientID)
}

// Gate holds an injected config snapshot; Reload swaps it atomically so
// checks never read half-updated settings.
type Gate struct {
	mu   sync.RWMutex
	cfg  config.GateConfig
	pool string
	dir  Directory
}

// New builds a gate from a config snapshot. pool is the membership pool
// consulted for member age when cfg.Pool is empty.
func New(cfg config.GateConfig, pool string, dir Directory) *Gate {
	if dir == nil {
		dir = StoreDirectory{}
	}
	if cfg.Pool != "" {
		pool = cfg.Pool
	}
	return &Gate{cfg: cfg, pool: pool, dir: dir}
}

// Reload swaps in a new config snapshot.
func (g *Gate) Reload(cfg config.GateConfig, pool string) {
	if cfg.Pool != "" {
		pool = cfg.Pool
	}
	g.mu.Lock()
	g.cfg = cfg
	g.pool = pool
	g.mu.Unlock()
	logger.Info("gate_config_reloaded", "cooldown", cfg.Cooldown.Duration().String(), "disable_new", cfg.DisableNew, "disable_all", cfg.DisableAll)
}

func (g *Gate) snapshot() (config.GateConfig, string) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg, g.pool
}

func deny(code Code, reason string) error {
	metrics.GateDenials.WithLabelValues(string(code)).Inc()
	return &DenialError{Code: code, Reason: reason}
}

// CheckNewThread runs the full check order for a recipient with no active
// thread. Returning nil admits the message and permits thread creation.
func (g *Gate) CheckNewThread(recipientID string) error {
	cfg, pool := g.snapshot()
	now := time.Now().UTC()

	if err := g.checkBlock(recipientID, cfg, pool, now); err != nil {
		return err
	}
	if err := g.checkAges(recipientID, cfg, pool, now); err != nil {
		return err
	}
	if err := g.checkCooldown(recipientID, cfg, now); err != nil {
		return err
	}
	if cfg.DisableAll {
		return deny(CodePaused, "not accepting messages")
	}
	if cfg.DisableNew {
		return deny(CodePaused, "not accepting new threads")
	}
	return nil
}

// CheckRelay runs the reduced check order for messages into an existing
// thread: only the block list and the full disable switch apply.
func (g *Gate) CheckRelay(recipientID string) error {
	cfg, pool := g.snapshot()
	now := time.Now().UTC()

	if err := g.checkBlock(recipientID, cfg, pool, now); err != nil {
		return err
	}
	if cfg.DisableAll {
		return deny(CodePaused, "not accepting messages")
	}
	return nil
}

// checkBlock denies while an unexpired block entry exists. Expired entries
// are purged in passing, and system blocks lift as soon as the age
// thresholds they enforced are met.
func (g *Gate) checkBlock(recipientID string, cfg config.GateConfig, pool string, now time.Time) error {
	b, err := store.GetBlock(recipientID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil
		}
		logger.Error("gate_block_lookup_failed", "recipient", recipientID, "err", err)
		return nil
	}
	if b.ExpiredAt(now.UnixNano()) {
		_ = store.DeleteBlock(recipientID)
		return nil
	}
	if b.System && g.agesSatisfied(recipientID, cfg, pool, now) {
		_ = store.DeleteBlock(recipientID)
		logger.Info("system_block_lifted", "recipient", recipientID)
		return nil
	}
	reason := b.Reason
	if reason == "" {
		reason = "you are blocked"
	}
	if b.ExpiresTS != 0 {
		reason = fmt.Sprintf("%s (until %s)", reason, humanize.Time(time.Unix(0, b.ExpiresTS)))
	}
	return deny(CodeBlocked, reason)
}

// agesSatisfied reports whether both age thresholds pass right now.
func (g *Gate) agesSatisfied(recipientID string, cfg config.GateConfig, pool string, now time.Time) bool {
	id, err := g.dir.Identity(recipientID)
	if err != nil {
		return true
	}
	if min := cfg.MinAccountAge.Duration(); min > 0 && id.RegisteredTS != 0 {
		if now.Sub(time.Unix(0, id.RegisteredTS)) < min {
			return false
		}
	}
	if min := cfg.MinMemberAge.Duration(); min > 0 {
		if joined, ok := id.JoinedTS[pool]; ok && joined != 0 {
			if now.Sub(time.Unix(0, joined)) < min {
				return false
			}
		}
	}
	return true
}

// checkAges verifies account and membership age. A violation places a
// system block that lifts itself once the threshold passes, so repeat
// messages fail fast with the same reason. Unknown identities pass: the
// gate cannot verify what the directory does not know.
func (g *Gate) checkAges(recipientID string, cfg config.GateConfig, pool string, now time.Time) error {
	id, err := g.dir.Identity(recipientID)
	if err != nil {
		if !store.IsNotFound(err) {
			logger.Error("gate_identity_lookup_failed", "recipient", recipientID, "err", err)
		}
		return nil
	}
	if min := cfg.MinAccountAge.Duration(); min > 0 && id.RegisteredTS != 0 {
		registered := time.Unix(0, id.RegisteredTS)
		if age := now.Sub(registered); age < min {
			until := registered.Add(min)
			g.placeSystemBlock(recipientID, "account too new", until)
			return deny(CodeAccountAge, fmt.Sprintf("account too new; try again %s", humanize.Time(until)))
		}
	}
	if min := cfg.MinMemberAge.Duration(); min > 0 {
		if joined, ok := id.JoinedTS[pool]; ok && joined != 0 {
			joinedAt := time.Unix(0, joined)
			if age := now.Sub(joinedAt); age < min {
				until := joinedAt.Add(min)
				g.placeSystemBlock(recipientID, "member too new", until)
				return deny(CodeMemberAge, fmt.Sprintf("member too new; try again %s", humanize.Time(until)))
			}
		}
	}
	return nil
}

func (g *Gate) placeSystemBlock(recipientID, reason string, until time.Time) {
	err := store.SaveBlock(models.BlockEntry{
		RecipientID: recipientID,
		Reason:      reason,
		ExpiresTS:   until.UnixNano(),
		System:      true,
	})
	if err != nil {
		logger.Error("gate_system_block_failed", "recipient", recipientID, "err", err)
	}
}

// checkCooldown denies while the recipient is inside the post-close
// cooldown window. Scope "manual_only" exempts idle auto-closes.
func (g *Gate) checkCooldown(recipientID string, cfg config.GateConfig, now time.Time) error {
	cd := cfg.Cooldown.Duration()
	if cd <= 0 {
		return nil
	}
	lc, err := store.GetLastClosed(recipientID)
	if err != nil {
		if !store.IsNotFound(err) {
			logger.Error("gate_lastclosed_lookup_failed", "recipient", recipientID, "err", err)
		}
		return nil
	}
	if cfg.CooldownScope == "manual_only" && lc.AutoClose {
		return nil
	}
	closedAt := time.Unix(0, lc.ClosedTS)
	if now.Sub(closedAt) < cd {
		until := closedAt.Add(cd)
		return deny(CodeCooldown, fmt.Sprintf("thread cooldown active; try again %s", humanize.Time(until)))
	}
	return nil
}
