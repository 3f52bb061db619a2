package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"relaydesk/pkg/logger"
	"relaydesk/pkg/models"

	"github.com/cockroachdb/pebble"
)

func linkRecipientKey(msgID string) []byte { return []byte("link:recipient:" + msgID) }
func linkChannelKey(msgID string) []byte   { return []byte("link:channel:" + msgID) }
func closureKey(threadID string) []byte    { return []byte("closure:" + threadID) }
func blockKey(recipientID string) []byte   { return []byte("block:" + recipientID) }
func lastClosedKey(recipientID string) []byte {
	return []byte("recipient:" + recipientID + ":lastclosed")
}
func containerKey(ref string) []byte       { return []byte("container:" + ref) }
func identityKey(recipientID string) []byte { return []byte("identity:" + recipientID) }
func repairKey(ref string) []byte          { return []byte("repair:" + ref) }

// SaveLink writes a linked-message pair under both side indexes so either
// side's message ID resolves to the same record.
func SaveLink(l models.LinkedMessage) error {
	if db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("failed to marshal link: %w", err)
	}
	if err := db.Set(linkRecipientKey(l.RecipientMsgID), data, pebble.Sync); err != nil {
		logger.Error("save_link_failed", "thread", l.Thread, "err", err)
		return err
	}
	if err := db.Set(linkChannelKey(l.ChannelMsgID), data, pebble.Sync); err != nil {
		logger.Error("save_link_failed", "thread", l.Thread, "err", err)
		return err
	}
	return nil
}

func getLink(key []byte) (models.LinkedMessage, error) {
	var l models.LinkedMessage
	if db == nil {
		return l, fmt.Errorf("pebble not opened; call store.Open first")
	}
	v, closer, err := db.Get(key)
	if err != nil {
		return l, err
	}
	if closer != nil {
		defer closer.Close()
	}
	if err := json.Unmarshal(v, &l); err != nil {
		return l, fmt.Errorf("invalid link record: %w", err)
	}
	return l, nil
}

// GetLinkByRecipientMsg resolves a link from the recipient-side message ID.
func GetLinkByRecipientMsg(msgID string) (models.LinkedMessage, error) {
	return getLink(linkRecipientKey(msgID))
}

// GetLinkByChannelMsg resolves a link from the staff-side message ID.
func GetLinkByChannelMsg(msgID string) (models.LinkedMessage, error) {
	return getLink(linkChannelKey(msgID))
}

// SaveClosure persists a scheduled closure. The row must be durable before
// any in-process timer is armed so a restart can re-arm it.
func SaveClosure(c models.ScheduledClosure) error {
	if db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal closure: %w", err)
	}
	if err := db.Set(closureKey(c.Thread), data, pebble.Sync); err != nil {
		logger.Error("save_closure_failed", "thread", c.Thread, "err", err)
		return err
	}
	logger.Debug("closure_saved", "thread", c.Thread, "fire_at", c.FireAtTS, "token", c.Token)
	return nil
}

// GetClosure returns the scheduled closure for a thread.
func GetClosure(threadID string) (models.ScheduledClosure, error) {
	var c models.ScheduledClosure
	if db == nil {
		return c, fmt.Errorf("pebble not opened; call store.Open first")
	}
	v, closer, err := db.Get(closureKey(threadID))
	if err != nil {
		return c, err
	}
	if closer != nil {
		defer closer.Close()
	}
	if err := json.Unmarshal(v, &c); err != nil {
		return c, fmt.Errorf("invalid closure record: %w", err)
	}
	return c, nil
}

// DeleteClosure removes a thread's scheduled closure row.
func DeleteClosure(threadID string) error {
	if db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	if err := db.Delete(closureKey(threadID), pebble.Sync); err != nil {
		logger.Error("delete_closure_failed", "thread", threadID, "err", err)
		return err
	}
	return nil
}

// ListClosures returns all persisted closures in key order.
func ListClosures() ([]models.ScheduledClosure, error) {
	if db == nil {
		return nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	prefix := []byte("closure:")
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.ScheduledClosure
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var c models.ScheduledClosure
		if err := json.Unmarshal(iter.Value(), &c); err != nil {
			logger.Warn("list_closures_bad_record", "key", string(iter.Key()), "err", err)
			continue
		}
		out = append(out, c)
	}
	return out, iter.Error()
}

// SaveBlock persists a block entry for a recipient.
func SaveBlock(b models.BlockEntry) error {
	if db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	if b.CreatedTS == 0 {
		b.CreatedTS = time.Now().UTC().UnixNano()
	}
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal block: %w", err)
	}
	if err := db.Set(blockKey(b.RecipientID), data, pebble.Sync); err != nil {
		logger.Error("save_block_failed", "recipient", b.RecipientID, "err", err)
		return err
	}
	logger.Info("recipient_blocked", "recipient", b.RecipientID, "system", b.System, "expires", b.ExpiresTS)
	return nil
}

// GetBlock returns the block entry for a recipient.
func GetBlock(recipientID string) (models.BlockEntry, error) {
	var b models.BlockEntry
	if db == nil {
		return b, fmt.Errorf("pebble not opened; call store.Open first")
	}
	v, closer, err := db.Get(blockKey(recipientID))
	if err != nil {
		return b, err
	}
	if closer != nil {
		defer closer.Close()
	}
	if err := json.Unmarshal(v, &b); err != nil {
		return b, fmt.Errorf("invalid block record: %w", err)
	}
	return b, nil
}

// DeleteBlock removes a recipient's block entry.
func DeleteBlock(recipientID string) error {
	if db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	if err := db.Delete(blockKey(recipientID), pebble.Sync); err != nil {
		logger.Error("delete_block_failed", "recipient", recipientID, "err", err)
		return err
	}
	logger.Info("recipient_unblocked", "recipient", recipientID)
	return nil
}

// ListBlocks returns all block entries in key order.
func ListBlocks() ([]models.BlockEntry, error) {
	if db == nil {
		return nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	prefix := []byte("block:")
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.BlockEntry
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var b models.BlockEntry
		if err := json.Unmarshal(iter.Value(), &b); err != nil {
			logger.Warn("list_blocks_bad_record", "key", string(iter.Key()), "err", err)
			continue
		}
		out = append(out, b)
	}
	return out, iter.Error()
}

// SaveLastClosed updates the per-recipient cooldown index.
func SaveLastClosed(recipientID string, lc models.LastClosed) error {
	if db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	data, err := json.Marshal(lc)
	if err != nil {
		return fmt.Errorf("failed to marshal lastclosed: %w", err)
	}
	if err := db.Set(lastClosedKey(recipientID), data, pebble.Sync); err != nil {
		logger.Error("save_lastclosed_failed", "recipient", recipientID, "err", err)
		return err
	}
	return nil
}

// GetLastClosed returns the cooldown index entry for a recipient.
func GetLastClosed(recipientID string) (models.LastClosed, error) {
	var lc models.LastClosed
	if db == nil {
		return lc, fmt.Errorf("pebble not opened; call store.Open first")
	}
	v, closer, err := db.Get(lastClosedKey(recipientID))
	if err != nil {
		return lc, err
	}
	if closer != nil {
		defer closer.Close()
	}
	if err := json.Unmarshal(v, &lc); err != nil {
		return lc, fmt.Errorf("invalid lastclosed record: %w", err)
	}
	return lc, nil
}

// SaveContainer persists a container catalog record.
func SaveContainer(c models.Container) error {
	if db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal container: %w", err)
	}
	if err := db.Set(containerKey(c.Ref), data, pebble.Sync); err != nil {
		logger.Error("save_container_failed", "ref", c.Ref, "err", err)
		return err
	}
	return nil
}

// GetContainer returns the catalog record for a container ref.
func GetContainer(ref string) (models.Container, error) {
	var c models.Container
	if db == nil {
		return c, fmt.Errorf("pebble not opened; call store.Open first")
	}
	v, closer, err := db.Get(containerKey(ref))
	if err != nil {
		return c, err
	}
	if closer != nil {
		defer closer.Close()
	}
	if err := json.Unmarshal(v, &c); err != nil {
		return c, fmt.Errorf("invalid container record: %w", err)
	}
	return c, nil
}

// ListContainers returns all catalog records, optionally filtered by pool.
func ListContainers(pool string) ([]models.Container, error) {
	if db == nil {
		return nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	prefix := []byte("container:")
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.Container
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var c models.Container
		if err := json.Unmarshal(iter.Value(), &c); err != nil {
			logger.Warn("list_containers_bad_record", "key", string(iter.Key()), "err", err)
			continue
		}
		if pool != "" && c.Pool != pool {
			continue
		}
		out = append(out, c)
	}
	return out, iter.Error()
}

// MarkContainerDeleted flags a catalog record deleted without removing it.
func MarkContainerDeleted(ref string) error {
	c, err := GetContainer(ref)
	if err != nil {
		return err
	}
	c.Deleted = true
	c.DeletedTS = time.Now().UTC().UnixNano()
	return SaveContainer(c)
}

// SaveIdentity upserts a directory record for a recipient.
func SaveIdentity(id models.Identity) error {
	if db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	data, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}
	if err := db.Set(identityKey(id.RecipientID), data, pebble.Sync); err != nil {
		logger.Error("save_identity_failed", "recipient", id.RecipientID, "err", err)
		return err
	}
	return nil
}

// GetIdentity returns the directory record for a recipient.
func GetIdentity(recipientID string) (models.Identity, error) {
	var id models.Identity
	if db == nil {
		return id, fmt.Errorf("pebble not opened; call store.Open first")
	}
	v, closer, err := db.Get(identityKey(recipientID))
	if err != nil {
		return id, err
	}
	if closer != nil {
		defer closer.Close()
	}
	if err := json.Unmarshal(v, &id); err != nil {
		return id, fmt.Errorf("invalid identity record: %w", err)
	}
	return id, nil
}

// FlagRepair records a container that needs operator attention after
// reconciliation could not recover its thread metadata.
func FlagRepair(ref, note string) error {
	if db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	rec := map[string]any{"ref": ref, "note": note, "ts": time.Now().UTC().UnixNano()}
	data, _ := json.Marshal(rec)
	if err := db.Set(repairKey(ref), data, pebble.Sync); err != nil {
		logger.Error("flag_repair_failed", "ref", ref, "err", err)
		return err
	}
	logger.Warn("container_flagged_for_repair", "ref", ref, "note", note)
	return nil
}

// ListRepairs returns raw repair flags in key order.
func ListRepairs() ([]string, error) {
	if db == nil {
		return nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	prefix := []byte("repair:")
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []string
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		v := append([]byte(nil), iter.Value()...)
		out = append(out, string(v))
	}
	return out, iter.Error()
}

const schemaKey = "meta:schema"

// SchemaVersion returns the stored schema version, or 0 when unset.
func SchemaVersion() (int, error) {
	if db == nil {
		return 0, fmt.Errorf("pebble not opened; call store.Open first")
	}
	v, closer, err := db.Get([]byte(schemaKey))
	if err != nil {
		if IsNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	if closer != nil {
		defer closer.Close()
	}
	var n int
	if err := json.Unmarshal(v, &n); err != nil {
		return 0, fmt.Errorf("invalid schema version: %w", err)
	}
	return n, nil
}

// SetSchemaVersion stores the schema version.
func SetSchemaVersion(n int) error {
	if db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	data, _ := json.Marshal(n)
	return db.Set([]byte(schemaKey), data, pebble.Sync)
}
