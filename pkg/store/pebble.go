package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"relaydesk/pkg/logger"
	"relaydesk/pkg/models"

	"github.com/cockroachdb/pebble"
)

var db *pebble.DB

// dbPath remembers where Open put the store; GetStats walks it for the
// on-disk size.
var dbPath string

// seq provides a small counter to reduce key collisions when multiple
// messages share the same nanosecond timestamp.
var seq uint64

// Open opens (or creates) a Pebble database at the given path and keeps
// a global handle for simple usage in this package.
func Open(path string) error {
	var err error
	logger.Info("opening_pebble_db", "path", path)
	db, err = pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "err", err)
		return err
	}
	dbPath = path
	logger.Info("pebble_opened", "path", path)
	return nil
}

// Close closes the opened pebble DB if present.
func Close() error {
	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		return err
	}
	db = nil
	dbPath = ""
	logger.Info("pebble_closed")
	return nil
}

// Ready reports whether the store is opened and ready.
func Ready() bool {
	return db != nil
}

// IsNotFound reports whether err means the requested key does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, pebble.ErrNotFound)
}

func threadMetaKey(threadID string) []byte {
	return []byte("thread:" + threadID + ":meta")
}

// SaveThread stores thread metadata under a reserved key.
func SaveThread(th models.Thread) error {
	if db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	data, err := json.Marshal(th)
	if err != nil {
		return fmt.Errorf("failed to marshal thread: %w", err)
	}
	if err := db.Set(threadMetaKey(th.ID), data, pebble.Sync); err != nil {
		logger.Error("save_thread_failed", "thread", th.ID, "err", err)
		return err
	}
	logger.Debug("thread_saved", "thread", th.ID, "state", string(th.State))
	return nil
}

// GetThread returns the stored thread metadata for a given thread ID.
func GetThread(threadID string) (models.Thread, error) {
	var th models.Thread
	if db == nil {
		return th, fmt.Errorf("pebble not opened; call store.Open first")
	}
	v, closer, err := db.Get(threadMetaKey(threadID))
	if err != nil {
		return th, err
	}
	if closer != nil {
		defer closer.Close()
	}
	if err := json.Unmarshal(v, &th); err != nil {
		return th, fmt.Errorf("invalid thread metadata: %w", err)
	}
	return th, nil
}

// ListThreads returns all saved threads in key order.
func ListThreads() ([]models.Thread, error) {
	if db == nil {
		return nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	prefix := []byte("thread:")
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.Thread
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		k := string(iter.Key())
		if !strings.HasSuffix(k, ":meta") {
			continue
		}
		var th models.Thread
		if err := json.Unmarshal(iter.Value(), &th); err != nil {
			logger.Warn("list_threads_bad_record", "key", k, "err", err)
			continue
		}
		out = append(out, th)
	}
	return out, iter.Error()
}

// ListActiveThreads returns threads whose state still counts against the
// one-thread-per-recipient rule. Used by startup recovery.
func ListActiveThreads() ([]models.Thread, error) {
	all, err := ListThreads()
	if err != nil {
		return nil, err
	}
	var out []models.Thread
	for _, th := range all {
		if th.State.Active() {
			out = append(out, th)
		}
	}
	return out, nil
}

// AppendThreadMessage appends a message to a thread by inserting a new key
// with a sortable timestamp prefix, and indexes it by message ID so edits
// can be looked up as versions. Messages are ordered by insertion time.
func AppendThreadMessage(threadID string, msg models.Message) error {
	if db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	// Key format: thread:<threadID>:msg:<unix_nano_padded>-<seq>
	ts := time.Now().UTC().UnixNano()
	s := atomic.AddUint64(&seq, 1)
	key := fmt.Sprintf("thread:%s:msg:%020d-%06d", threadID, ts, s)

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := db.Set([]byte(key), data, pebble.Sync); err != nil {
		logger.Error("save_message_failed", "thread", threadID, "key", key, "err", err)
		return err
	}
	logger.Debug("message_saved", "thread", threadID, "key", key, "msg_id", msg.ID)

	// Also index by message ID for quick lookup of versions.
	if msg.ID != "" {
		idxKey := fmt.Sprintf("version:msg:%s:%020d-%06d", msg.ID, ts, s)
		if err := db.Set([]byte(idxKey), data, pebble.Sync); err != nil {
			logger.Error("save_message_index_failed", "idx_key", idxKey, "err", err)
			return err
		}
	}
	return nil
}

// ListThreadMessages returns all messages for a thread in insertion order.
// An optional limit caps the number of returned messages.
func ListThreadMessages(threadID string, limit ...int) ([]models.Message, error) {
	if db == nil {
		return nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	prefix := []byte("thread:" + threadID + ":msg:")
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	max := -1
	if len(limit) > 0 {
		max = limit[0]
	}
	var out []models.Message
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return nil, fmt.Errorf("invalid message JSON: %w", err)
		}
		out = append(out, m)
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out, iter.Error()
}

// UpdateThreadMessage rewrites the stored log entry for msg.ID in place so
// listings return the latest content at the original position, and appends
// the new content to the message's version chain. Returns pebble.ErrNotFound
// if the thread log has no entry for that ID.
func UpdateThreadMessage(threadID string, msg models.Message) error {
	if db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	prefix := []byte("thread:" + threadID + ":msg:")
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return err
	}
	var logKey []byte
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			continue
		}
		if m.ID == msg.ID {
			logKey = append([]byte(nil), iter.Key()...)
			break
		}
	}
	iterErr := iter.Error()
	iter.Close()
	if iterErr != nil {
		return iterErr
	}
	if logKey == nil {
		return pebble.ErrNotFound
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := db.Set(logKey, data, pebble.Sync); err != nil {
		logger.Error("update_message_failed", "thread", threadID, "msg_id", msg.ID, "err", err)
		return err
	}
	ts := time.Now().UTC().UnixNano()
	s := atomic.AddUint64(&seq, 1)
	idxKey := fmt.Sprintf("version:msg:%s:%020d-%06d", msg.ID, ts, s)
	if err := db.Set([]byte(idxKey), data, pebble.Sync); err != nil {
		logger.Error("save_message_index_failed", "idx_key", idxKey, "err", err)
		return err
	}
	logger.Debug("message_updated", "thread", threadID, "msg_id", msg.ID, "deleted", msg.Deleted)
	return nil
}

// ListMessageVersions returns all stored versions for a given message ID in
// chronological order. Edits append new versions; the original stays.
func ListMessageVersions(msgID string) ([]models.Message, error) {
	if db == nil {
		return nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	prefix := []byte("version:msg:" + msgID + ":")
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.Message
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return nil, fmt.Errorf("invalid message JSON: %w", err)
		}
		out = append(out, m)
	}
	return out, iter.Error()
}

// GetLatestMessage returns the latest version for a message ID or an error
// if none found.
func GetLatestMessage(msgID string) (models.Message, error) {
	vers, err := ListMessageVersions(msgID)
	if err != nil {
		return models.Message{}, err
	}
	if len(vers) == 0 {
		return models.Message{}, pebble.ErrNotFound
	}
	return vers[len(vers)-1], nil
}

// ListKeys returns all keys (as strings) that start with the given prefix.
// If prefix is empty it returns all keys in the DB.
func ListKeys(prefix string) ([]string, error) {
	if db == nil {
		return nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	var pfx []byte
	if prefix != "" {
		pfx = []byte(prefix)
	}
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []string
	if pfx == nil {
		for iter.First(); iter.Valid(); iter.Next() {
			k := append([]byte(nil), iter.Key()...)
			out = append(out, string(k))
		}
	} else {
		for iter.SeekGE(pfx); iter.Valid(); iter.Next() {
			if !bytes.HasPrefix(iter.Key(), pfx) {
				break
			}
			k := append([]byte(nil), iter.Key()...)
			out = append(out, string(k))
		}
	}
	return out, iter.Error()
}

// GetKey returns the raw value for the given key.
func GetKey(key string) (string, error) {
	if db == nil {
		return "", fmt.Errorf("pebble not opened; call store.Open first")
	}
	v, closer, err := db.Get([]byte(key))
	if err != nil {
		return "", err
	}
	if closer != nil {
		defer closer.Close()
	}
	return string(v), nil
}

// SaveKey stores an arbitrary key/value pair. Use with caution; callers should
// choose a safe namespace.
func SaveKey(key string, value []byte) error {
	if db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	if err := db.Set([]byte(key), value, pebble.Sync); err != nil {
		logger.Error("save_key_failed", "key", key, "err", err)
		return err
	}
	logger.Debug("save_key_ok", "key", key, "len", len(value))
	return nil
}

// DeleteKey removes an arbitrary key.
func DeleteKey(key string) error {
	if db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	return db.Delete([]byte(key), pebble.Sync)
}

