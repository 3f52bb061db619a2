package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"relaydesk/internal/janitor"
	"relaydesk/pkg/logger"
	"relaydesk/pkg/models"
	"relaydesk/pkg/store"
	"relaydesk/pkg/utils"
)

// RegisterBlocks registers the block list surface. Staff and admin keys
// reach these routes; the middleware scopes everyone else out.
func RegisterBlocks(r *mux.Router) {
	r.HandleFunc("/blocks", listBlocks).Methods(http.MethodGet)
	r.HandleFunc("/blocks/{recipient}", getBlock).Methods(http.MethodGet)
	r.HandleFunc("/blocks/{recipient}", putBlock).Methods(http.MethodPut)
	r.HandleFunc("/blocks/{recipient}", deleteBlock).Methods(http.MethodDelete)

	r.HandleFunc("/repairs", listRepairs).Methods(http.MethodGet)
}

// RegisterAdmin registers admin-only routes.
func RegisterAdmin(r *mux.Router) {
	r.HandleFunc("/admin/stats", adminStats).Methods(http.MethodGet)
	r.HandleFunc("/admin/reload", adminReload).Methods(http.MethodPost)
	r.HandleFunc("/admin/janitor/run", adminJanitorRun).Methods(http.MethodPost)
	r.HandleFunc("/admin/sign", adminSign).Methods(http.MethodPost)
	r.HandleFunc("/admin/shutdown", adminShutdown).Methods(http.MethodPost)
	logger.Log.Info("admin_routes_registered")
}

func listBlocks(w http.ResponseWriter, r *http.Request) {
	blocks, err := store.ListBlocks()
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		Blocks []models.BlockEntry `json:"blocks"`
	}{Blocks: blocks})
}

func getBlock(w http.ResponseWriter, r *http.Request) {
	rid := mux.Vars(r)["recipient"]
	b, err := store.GetBlock(rid)
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, b)
}

// putBlock handles PUT /blocks/{recipient}: place or update an operator
// block. "duration" is an alternative to an absolute expiry; omitting both
// blocks permanently.
func putBlock(w http.ResponseWriter, r *http.Request) {
	rid := mux.Vars(r)["recipient"]
	var p struct {
		Reason    string `json:"reason,omitempty"`
		ExpiresTS int64  `json:"expires_ts,omitempty"`
		Duration  string `json:"duration,omitempty"`
		BlockedBy string `json:"blocked_by,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	now := time.Now().UTC()
	expires := p.ExpiresTS
	if p.Duration != "" {
		d, err := time.ParseDuration(p.Duration)
		if err != nil || d <= 0 {
			utils.JSONError(w, http.StatusBadRequest, "invalid duration; use a value like 24h")
			return
		}
		expires = now.Add(d).UnixNano()
	}
	b := models.BlockEntry{
		RecipientID: rid,
		Reason:      p.Reason,
		ExpiresTS:   expires,
		BlockedBy:   p.BlockedBy,
		CreatedTS:   now.UnixNano(),
	}
	if err := store.SaveBlock(b); err != nil {
		writeErr(w, err)
		return
	}
	logger.Info("recipient_blocked", "recipient", rid, "by", p.BlockedBy, "expires_ts", expires)
	_ = utils.JSONWrite(w, http.StatusOK, b)
}

func deleteBlock(w http.ResponseWriter, r *http.Request) {
	rid := mux.Vars(r)["recipient"]
	if _, err := store.GetBlock(rid); err != nil {
		writeErr(w, err)
		return
	}
	if err := store.DeleteBlock(rid); err != nil {
		writeErr(w, err)
		return
	}
	logger.Info("recipient_unblocked", "recipient", rid)
	w.WriteHeader(http.StatusNoContent)
}

// listRepairs handles GET /repairs: containers flagged for operator
// attention after recovery could not reconcile them.
func listRepairs(w http.ResponseWriter, r *http.Request) {
	vals, err := store.ListRepairs()
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		Repairs []json.RawMessage `json:"repairs"`
	}{Repairs: utils.ToRawMessages(vals)})
}

// adminStats reports store-level counts for operators.
func adminStats(w http.ResponseWriter, r *http.Request) {
	if !isAdmin(r) {
		utils.JSONError(w, http.StatusForbidden, "forbidden")
		return
	}
	threads, err := store.ListThreads()
	if err != nil {
		writeErr(w, err)
		return
	}
	byState := map[string]int{}
	var msgCount int64
	for _, th := range threads {
		byState[string(th.State)]++
		msgs, err := store.ListThreadMessages(th.ID)
		if err != nil {
			continue
		}
		msgCount += int64(len(msgs))
	}
	blocks, _ := store.ListBlocks()
	closures, _ := store.ListClosures()
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		Threads  int            `json:"threads"`
		ByState  map[string]int `json:"by_state"`
		Messages int64          `json:"messages"`
		Blocks   int            `json:"blocks"`
		Closures int            `json:"closures"`
		Armed    int            `json:"armed"`
		Store    store.Stats    `json:"store"`
	}{
		Threads:  len(threads),
		ByState:  byState,
		Messages: msgCount,
		Blocks:   len(blocks),
		Closures: len(closures),
		Armed:    deps.Manager.Scheduler().Armed(),
		Store:    store.GetStats(),
	})
}

// adminReload re-reads the config file and applies the reloadable sections
// (gate, thread lifecycle, janitor).
func adminReload(w http.ResponseWriter, r *http.Request) {
	if !isAdmin(r) {
		utils.JSONError(w, http.StatusForbidden, "forbidden")
		return
	}
	if deps.Reload == nil {
		utils.JSONError(w, http.StatusNotImplemented, "reload not wired")
		return
	}
	if err := deps.Reload(); err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logger.Info("config_reloaded", "via", "admin_endpoint")
	_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// adminJanitorRun triggers one sweep immediately, pause switch or not.
func adminJanitorRun(w http.ResponseWriter, r *http.Request) {
	if !isAdmin(r) {
		utils.JSONError(w, http.StatusForbidden, "forbidden")
		return
	}
	rep, err := janitor.RunImmediate(r.Context())
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, rep)
}

// adminShutdown requests a graceful exit, recorded as an operator exit
// request on disk. The response goes out before the server drains.
func adminShutdown(w http.ResponseWriter, r *http.Request) {
	if !isAdmin(r) {
		utils.JSONError(w, http.StatusForbidden, "forbidden")
		return
	}
	if deps.Shutdown == nil {
		utils.JSONError(w, http.StatusNotImplemented, "shutdown not wired")
		return
	}
	var p struct {
		Reason string `json:"reason,omitempty"`
	}
	_ = json.NewDecoder(r.Body).Decode(&p)
	if p.Reason == "" {
		p.Reason = "admin shutdown request"
	}
	if err := deps.Shutdown(p.Reason); err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logger.Info("shutdown_requested", "via", "admin_endpoint", "reason", p.Reason)
	_ = utils.JSONWrite(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

// adminSign computes the recipient signature the gateway must present,
// using the caller's own API key as the secret. Intended for integration
// testing against a configured signing key.
func adminSign(w http.ResponseWriter, r *http.Request) {
	if !isAdmin(r) {
		utils.JSONError(w, http.StatusForbidden, "forbidden")
		return
	}
	key := bearerOrAPIKey(r)
	if key == "" {
		utils.JSONError(w, http.StatusUnauthorized, "missing api key")
		return
	}
	var p struct {
		RecipientID string `json:"recipient_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.RecipientID == "" {
		utils.JSONError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]string{
		"recipient_id": p.RecipientID,
		"signature":    utils.SignHMAC(key, p.RecipientID),
	})
}

// bearerOrAPIKey extracts the caller's key from Authorization (Bearer) or
// X-API-Key.
func bearerOrAPIKey(r *http.Request) string {
	a := r.Header.Get("Authorization")
	if len(a) > 7 && (a[:7] == "Bearer " || a[:7] == "bearer ") {
		return a[7:]
	}
	return r.Header.Get("X-API-Key")
}
