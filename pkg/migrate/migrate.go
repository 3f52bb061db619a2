// Package migrate applies store schema migrations at startup. Each step is
// idempotent; a crash mid-run leaves the in-progress marker behind and the
// next start simply re-applies from the recorded schema version.
package migrate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"relaydesk/pkg/logger"
	"relaydesk/pkg/models"
	"relaydesk/pkg/store"
)

const inProgressKey = "meta:migration_in_progress"

// steps move the store forward one schema version each; step i migrates
// schema i to i+1. Append only, never reorder.
var steps = []func(ctx context.Context) error{
	backfillLastClosed,
}

// Run checks the stored schema version and applies any pending steps.
// Returns (applied, error): applied is true if at least one step ran.
func Run(ctx context.Context) (bool, error) {
	current, err := store.SchemaVersion()
	if err != nil {
		return false, fmt.Errorf("read schema version: %w", err)
	}
	target := len(steps)
	logger.Info("migrate_version_check", "stored", current, "target", target)
	if current >= target {
		return false, nil
	}

	marker := map[string]any{
		"from":       current,
		"to":         target,
		"started_at": time.Now().UTC().Format(time.RFC3339),
	}
	mb, _ := json.Marshal(marker)
	if err := store.SaveKey(inProgressKey, mb); err != nil {
		return false, fmt.Errorf("write in-progress marker: %w", err)
	}

	for i := current; i < target; i++ {
		logger.Info("migrate_step_start", "schema", i+1)
		if err := steps[i](ctx); err != nil {
			logger.Error("migrate_step_failed", "schema", i+1, "error", err)
			return true, fmt.Errorf("migration to schema %d: %w", i+1, err)
		}
		if err := store.SetSchemaVersion(i + 1); err != nil {
			return true, fmt.Errorf("persist schema %d: %w", i+1, err)
		}
		logger.Info("migrate_step_applied", "schema", i+1)
	}

	if err := store.DeleteKey(inProgressKey); err != nil {
		logger.Error("migrate_delete_marker_failed", "error", err)
	}
	logger.Info("migrate_done", "schema", target)
	return true, nil
}

// backfillLastClosed writes last-closed rows for closed threads that predate
// the cooldown index. Existing rows win when they are newer.
func backfillLastClosed(ctx context.Context) error {
	threads, err := store.ListThreads()
	if err != nil {
		return err
	}
	filled := 0
	for _, th := range threads {
		if err := ctx.Err(); err != nil {
			return err
		}
		if th.State != models.ThreadClosed || th.ClosedTS == 0 || th.RecipientID == "" {
			continue
		}
		existing, err := store.GetLastClosed(th.RecipientID)
		if err != nil && !store.IsNotFound(err) {
			return err
		}
		if err == nil && existing.ClosedTS >= th.ClosedTS {
			continue
		}
		lc := models.LastClosed{Thread: th.ID, ClosedTS: th.ClosedTS, AutoClose: th.Silent && th.CloserID == ""}
		if err := store.SaveLastClosed(th.RecipientID, lc); err != nil {
			return err
		}
		filled++
	}
	if filled > 0 {
		logger.Info("migrate_lastclosed_backfilled", "rows", filled)
	}
	return nil
}
