package janitor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"relaydesk/pkg/config"
	"relaydesk/pkg/logger"
	"relaydesk/pkg/models"
	"relaydesk/pkg/state"
	"relaydesk/pkg/store"
)

func openStore(t *testing.T) {
	t.Helper()
	logger.Init()
	if err := store.Open(filepath.Join(t.TempDir(), "db")); err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
}

// seedDebris writes the records a crashed close leaves behind, next to
// healthy records the sweep must not touch.
func seedDebris(t *testing.T) {
	t.Helper()
	now := time.Now().UnixNano()

	// blocks: one lapsed, one permanent, one still running
	if err := store.SaveBlock(models.BlockEntry{RecipientID: "r-lapsed", ExpiresTS: now - int64(time.Minute)}); err != nil {
		t.Fatalf("SaveBlock: %v", err)
	}
	if err := store.SaveBlock(models.BlockEntry{RecipientID: "r-perm", Reason: "spam"}); err != nil {
		t.Fatalf("SaveBlock: %v", err)
	}
	if err := store.SaveBlock(models.BlockEntry{RecipientID: "r-live", ExpiresTS: now + int64(time.Hour)}); err != nil {
		t.Fatalf("SaveBlock: %v", err)
	}

	// closures: one for a live thread, one for a closed thread, one orphaned
	if err := store.SaveThread(models.Thread{ID: "t-live", RecipientID: "r1", State: models.ThreadOpen}); err != nil {
		t.Fatalf("SaveThread: %v", err)
	}
	if err := store.SaveThread(models.Thread{ID: "t-closed", RecipientID: "r2", State: models.ThreadClosed}); err != nil {
		t.Fatalf("SaveThread: %v", err)
	}
	for _, id := range []string{"t-live", "t-closed", "t-ghost"} {
		if err := store.SaveClosure(models.ScheduledClosure{Thread: id, FireAtTS: now + int64(time.Hour), Token: 1}); err != nil {
			t.Fatalf("SaveClosure %s: %v", id, err)
		}
	}

	// links: live thread, closed thread (audit trail), missing thread
	for _, l := range []models.LinkedMessage{
		{Thread: "t-live", RecipientMsgID: "src-live", ChannelMsgID: "chan-live"},
		{Thread: "t-closed", RecipientMsgID: "src-closed", ChannelMsgID: "chan-closed"},
		{Thread: "t-gone", RecipientMsgID: "src-gone", ChannelMsgID: "chan-gone"},
	} {
		if err := store.SaveLink(l); err != nil {
			t.Fatalf("SaveLink: %v", err)
		}
	}
}

func TestRunOnceSweepsDebris(t *testing.T) {
	openStore(t)
	seedDebris(t)

	rep, err := runOnce(context.Background(), config.JanitorConfig{})
	if err != nil {
		t.Fatalf("runOnce: %v", err)
	}
	if rep.Blocks != 1 {
		t.Fatalf("expected 1 swept block, got %d", rep.Blocks)
	}
	if rep.Closures != 2 {
		t.Fatalf("expected 2 swept closures, got %d", rep.Closures)
	}
	// a link pair is indexed from both sides
	if rep.Links != 2 {
		t.Fatalf("expected 2 swept link keys, got %d", rep.Links)
	}

	if _, err := store.GetBlock("r-lapsed"); !store.IsNotFound(err) {
		t.Fatalf("lapsed block survived: %v", err)
	}
	if _, err := store.GetBlock("r-perm"); err != nil {
		t.Fatalf("permanent block swept: %v", err)
	}
	if _, err := store.GetBlock("r-live"); err != nil {
		t.Fatalf("running block swept: %v", err)
	}

	if _, err := store.GetClosure("t-live"); err != nil {
		t.Fatalf("live thread's closure swept: %v", err)
	}
	for _, id := range []string{"t-closed", "t-ghost"} {
		if _, err := store.GetClosure(id); !store.IsNotFound(err) {
			t.Fatalf("debris closure %s survived: %v", id, err)
		}
	}

	if _, err := store.GetLinkByRecipientMsg("src-gone"); !store.IsNotFound(err) {
		t.Fatalf("orphaned link survived: %v", err)
	}
	if _, err := store.GetLinkByChannelMsg("chan-gone"); !store.IsNotFound(err) {
		t.Fatalf("orphaned reverse link survived: %v", err)
	}
	if _, err := store.GetLinkByRecipientMsg("src-closed"); err != nil {
		t.Fatalf("closed thread's audit link swept: %v", err)
	}
	if _, err := store.GetLinkByRecipientMsg("src-live"); err != nil {
		t.Fatalf("live thread's link swept: %v", err)
	}
}

func TestRunOnceDryRunCountsOnly(t *testing.T) {
	openStore(t)
	seedDebris(t)

	rep, err := runOnce(context.Background(), config.JanitorConfig{DryRun: true})
	if err != nil {
		t.Fatalf("runOnce: %v", err)
	}
	if !rep.DryRun || rep.Blocks != 1 || rep.Closures != 2 || rep.Links != 2 {
		t.Fatalf("dry-run report wrong: %+v", rep)
	}

	if _, err := store.GetBlock("r-lapsed"); err != nil {
		t.Fatalf("dry run deleted a block: %v", err)
	}
	if _, err := store.GetClosure("t-ghost"); err != nil {
		t.Fatalf("dry run deleted a closure: %v", err)
	}
	if _, err := store.GetLinkByRecipientMsg("src-gone"); err != nil {
		t.Fatalf("dry run deleted a link: %v", err)
	}
}

func TestRunImmediateRequiresSetup(t *testing.T) {
	openStore(t)
	prevPaths := state.PathsVar
	t.Cleanup(func() { state.PathsVar = prevPaths })

	cfgMu.Lock()
	prevCfg := storedCfg
	storedCfg = nil
	cfgMu.Unlock()
	t.Cleanup(func() {
		cfgMu.Lock()
		storedCfg = prevCfg
		cfgMu.Unlock()
	})

	if _, err := RunImmediate(context.Background()); err == nil {
		t.Fatalf("expected error without registered config")
	}

	Reload(config.JanitorConfig{})
	state.PathsVar = state.Paths{}
	if _, err := RunImmediate(context.Background()); err == nil {
		t.Fatalf("expected error without state paths")
	}
}

func TestRunImmediateUsesStoredConfig(t *testing.T) {
	openStore(t)
	if err := state.EnsureStateDirs(t.TempDir()); err != nil {
		t.Fatalf("EnsureStateDirs: %v", err)
	}
	if err := store.SaveBlock(models.BlockEntry{RecipientID: "r-lapsed", ExpiresTS: time.Now().Add(-time.Minute).UnixNano()}); err != nil {
		t.Fatalf("SaveBlock: %v", err)
	}

	Reload(config.JanitorConfig{DryRun: true})
	rep, err := RunImmediate(context.Background())
	if err != nil {
		t.Fatalf("RunImmediate: %v", err)
	}
	if !rep.DryRun || rep.Blocks != 1 {
		t.Fatalf("stored config not applied: %+v", rep)
	}
}

func TestSweepAuditTrimsOldFiles(t *testing.T) {
	openStore(t)
	if err := state.EnsureStateDirs(t.TempDir()); err != nil {
		t.Fatalf("EnsureStateDirs: %v", err)
	}

	old := filepath.Join(state.PathsVar.Audit, "audit-2026-01-01.log")
	fresh := filepath.Join(state.PathsVar.Audit, "audit-today.log")
	for _, p := range []string{old, fresh} {
		if err := os.WriteFile(p, []byte("{}\n"), 0o600); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	stale := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(old, stale, stale); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	rep, err := runOnce(context.Background(), config.JanitorConfig{AuditMaxAge: config.Duration(24 * time.Hour)})
	if err != nil {
		t.Fatalf("runOnce: %v", err)
	}
	if rep.AuditFiles != 1 {
		t.Fatalf("expected 1 trimmed audit file, got %d", rep.AuditFiles)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatalf("stale audit file survived: %v", err)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("fresh audit file trimmed: %v", err)
	}
}
