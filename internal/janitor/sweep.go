package janitor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"relaydesk/pkg/config"
	"relaydesk/pkg/logger"
	"relaydesk/pkg/metrics"
	"relaydesk/pkg/models"
	"relaydesk/pkg/state"
	"relaydesk/pkg/store"
)

// Report summarizes one sweep.
type Report struct {
	Blocks     int  `json:"blocks"`
	Closures   int  `json:"closures"`
	Links      int  `json:"links"`
	AuditFiles int  `json:"audit_files"`
	DryRun     bool `json:"dry_run,omitempty"`
}

var sweeping uint32

// runOnce performs a full sweep. Overlapping runs are skipped rather than
// queued; the next tick catches anything missed.
func runOnce(ctx context.Context, cfg config.JanitorConfig) (Report, error) {
	if !atomic.CompareAndSwapUint32(&sweeping, 0, 1) {
		logger.Info("janitor_run_skipped", "reason", "sweep in progress")
		metrics.JanitorRuns.WithLabelValues("skipped").Inc()
		return Report{}, nil
	}
	defer atomic.StoreUint32(&sweeping, 0)

	start := time.Now()
	rep := Report{DryRun: cfg.DryRun}
	now := start.UTC().UnixNano()

	if err := sweepBlocks(ctx, cfg, now, &rep); err != nil {
		metrics.JanitorRuns.WithLabelValues("error").Inc()
		return rep, err
	}
	if err := sweepClosures(ctx, cfg, &rep); err != nil {
		metrics.JanitorRuns.WithLabelValues("error").Inc()
		return rep, err
	}
	if err := sweepLinks(ctx, cfg, &rep); err != nil {
		metrics.JanitorRuns.WithLabelValues("error").Inc()
		return rep, err
	}
	sweepAudit(cfg, &rep)

	metrics.JanitorRuns.WithLabelValues("ok").Inc()
	logger.Info("janitor_run_complete",
		"blocks", rep.Blocks, "closures", rep.Closures, "links", rep.Links,
		"audit_files", rep.AuditFiles, "dry_run", rep.DryRun,
		"elapsed", time.Since(start).String())
	return rep, nil
}

// sweepBlocks removes lapsed block entries. The gate also purges these in
// passing, but only for recipients who message again.
func sweepBlocks(ctx context.Context, cfg config.JanitorConfig, now int64, rep *Report) error {
	blocks, err := store.ListBlocks()
	if err != nil {
		return err
	}
	for _, b := range blocks {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !b.ExpiredAt(now) {
			continue
		}
		rep.Blocks++
		if cfg.DryRun {
			continue
		}
		if err := store.DeleteBlock(b.RecipientID); err != nil {
			logger.Error("janitor_block_delete_failed", "recipient", b.RecipientID, "err", err)
		}
	}
	return nil
}

// sweepClosures drops closure rows whose thread is gone or already closed.
// Rows for live threads belong to the in-process scheduler and are left
// alone; leftovers here are crash debris from a close that half-finished.
func sweepClosures(ctx context.Context, cfg config.JanitorConfig, rep *Report) error {
	closures, err := store.ListClosures()
	if err != nil {
		return err
	}
	for _, c := range closures {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		th, err := store.GetThread(c.Thread)
		if err != nil {
			if !store.IsNotFound(err) {
				logger.Error("janitor_thread_lookup_failed", "thread", c.Thread, "err", err)
				continue
			}
		} else if th.State.Active() {
			continue
		}
		rep.Closures++
		if cfg.DryRun {
			continue
		}
		if err := store.DeleteClosure(c.Thread); err != nil {
			logger.Error("janitor_closure_delete_failed", "thread", c.Thread, "err", err)
		}
	}
	return nil
}

// sweepLinks drops link index entries whose thread record no longer exists.
// Links of closed threads are kept; they back the audit trail.
func sweepLinks(ctx context.Context, cfg config.JanitorConfig, rep *Report) error {
	keys, err := store.ListKeys("link:")
	if err != nil {
		return err
	}
	for _, k := range keys {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		raw, err := store.GetKey(k)
		if err != nil {
			continue
		}
		var l models.LinkedMessage
		if err := json.Unmarshal([]byte(raw), &l); err != nil || l.Thread == "" {
			continue
		}
		if _, err := store.GetThread(l.Thread); err == nil || !store.IsNotFound(err) {
			continue
		}
		rep.Links++
		if cfg.DryRun {
			continue
		}
		if err := store.DeleteKey(k); err != nil {
			logger.Error("janitor_link_delete_failed", "key", k, "err", err)
		}
	}
	return nil
}

// sweepAudit removes rotated audit files older than the configured age.
func sweepAudit(cfg config.JanitorConfig, rep *Report) {
	maxAge := cfg.AuditMaxAge.Duration()
	if maxAge <= 0 || state.PathsVar.Audit == "" {
		return
	}
	cutoff := time.Now().Add(-maxAge)
	entries, err := os.ReadDir(state.PathsVar.Audit)
	if err != nil {
		logger.Error("janitor_audit_read_failed", "path", state.PathsVar.Audit, "err", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		rep.AuditFiles++
		if cfg.DryRun {
			continue
		}
		p := filepath.Join(state.PathsVar.Audit, e.Name())
		if err := os.Remove(p); err != nil {
			logger.Error("janitor_audit_delete_failed", "file", p, "err", err)
		}
	}
}
