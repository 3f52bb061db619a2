package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"relaydesk/pkg/models"
	"relaydesk/pkg/store"
	"relaydesk/pkg/telemetry"
	"relaydesk/pkg/thread"
	"relaydesk/pkg/utils"
	"relaydesk/pkg/validation"
)

// RegisterThreads registers the staff-facing thread surface.
func RegisterThreads(r *mux.Router) {
	// Collection routes
	r.HandleFunc("/threads", createThread).Methods(http.MethodPost)
	r.HandleFunc("/threads", listThreads).Methods(http.MethodGet)

	// Single resource routes
	r.HandleFunc("/threads/{id}", getThread).Methods(http.MethodGet)
	r.HandleFunc("/threads/{id}/messages", listThreadMessages).Methods(http.MethodGet)

	// Relay operations
	r.HandleFunc("/threads/{id}/reply", replyThread).Methods(http.MethodPost)
	r.HandleFunc("/threads/{id}/messages/{mid}", editThreadMessage).Methods(http.MethodPatch)
	r.HandleFunc("/threads/{id}/messages/{mid}", deleteThreadMessage).Methods(http.MethodDelete)

	// Lifecycle
	r.HandleFunc("/threads/{id}/close", closeThread).Methods(http.MethodPost)
	r.HandleFunc("/threads/{id}/close", cancelClose).Methods(http.MethodDelete)
	r.HandleFunc("/threads/{id}/title", setThreadTitle).Methods(http.MethodPut)
}

// createThread handles POST /threads: staff opens a thread for a recipient
// ahead of any inbound message. The recipient still passes the gate.
func createThread(w http.ResponseWriter, r *http.Request) {
	var p struct {
		RecipientID string `json:"recipient_id"`
		DisplayName string `json:"display_name,omitempty"`
		Title       string `json:"title,omitempty"`
		NSFW        bool   `json:"nsfw,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if p.RecipientID == "" {
		utils.JSONError(w, http.StatusBadRequest, "recipient_id required")
		return
	}
	if p.Title != "" {
		if err := validation.ValidateTitle(p.Title); err != nil {
			utils.JSONError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	th, err := deps.Manager.CreateThread(r.Context(), p.RecipientID, thread.CreateOptions{
		DisplayName: p.DisplayName,
		Title:       p.Title,
		NSFW:        p.NSFW,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusCreated, th)
}

// listThreads handles GET /threads. Active threads by default; "state"
// narrows to one state, "all" includes closed history. "recipient" and
// "channel" filter exactly.
func listThreads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	stateQ := q.Get("state")
	all := q.Get("all") == "1" || q.Get("all") == "true" || stateQ == string(models.ThreadClosed)

	var (
		threads []models.Thread
		err     error
	)
	if all {
		threads, err = store.ListThreads()
	} else {
		threads, err = store.ListActiveThreads()
	}
	if err != nil {
		writeErr(w, err)
		return
	}

	recipientQ := q.Get("recipient")
	channelQ := q.Get("channel")
	out := make([]models.Thread, 0, len(threads))
	for _, th := range threads {
		if stateQ != "" && string(th.State) != stateQ {
			continue
		}
		if recipientQ != "" && th.RecipientID != recipientQ {
			continue
		}
		if channelQ != "" && th.ChannelRef != channelQ {
			continue
		}
		out = append(out, th)
	}
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		Threads []models.Thread `json:"threads"`
	}{Threads: out})
}

// getThread handles GET /threads/{id}.
func getThread(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	th, err := store.GetThread(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, th)
}

// listThreadMessages handles GET /threads/{id}/messages. Messages come back
// in relay receipt order; "limit" keeps only the first n.
func listThreadMessages(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := store.GetThread(id); err != nil {
		writeErr(w, err)
		return
	}
	msgs, err := store.ListThreadMessages(id, parseLimit(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		Thread   string           `json:"thread"`
		Messages []models.Message `json:"messages"`
	}{Thread: id, Messages: msgs})
}

// replyThread handles POST /threads/{id}/reply: relay a staff message to the
// recipient. The call is synchronous; a courier outage comes back as 502
// with the reply already posted staff-side as a failure notice.
func replyThread(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRequestOp(r.Context(), "staff_reply")

	id := mux.Vars(r)["id"]
	var p struct {
		AuthorID    string              `json:"author_id"`
		DisplayName string              `json:"display_name,omitempty"`
		Content     string              `json:"content"`
		Attachments []models.Attachment `json:"attachments,omitempty"`
		Anonymous   bool                `json:"anonymous,omitempty"`
		Plain       bool                `json:"plain,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := validation.ValidateMessage(p.Content, p.Attachments); err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	msg, err := deps.Manager.Reply(r.Context(), id, thread.ReplyOptions{
		AuthorID:    p.AuthorID,
		DisplayName: p.DisplayName,
		Content:     p.Content,
		Attachments: p.Attachments,
		Anonymous:   p.Anonymous,
		Plain:       p.Plain,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, msg)
}

// editThreadMessage handles PATCH /threads/{id}/messages/{mid}: edit a
// relayed staff reply on both sides.
func editThreadMessage(w http.ResponseWriter, r *http.Request) {
	mid := mux.Vars(r)["mid"]
	var p struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := validation.ValidateMessage(p.Content, nil); err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	msg, err := deps.Manager.EditMessage(r.Context(), mid, p.Content)
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, msg)
}

// deleteThreadMessage handles DELETE /threads/{id}/messages/{mid}. Repeat
// deletes are no-ops and still return 204.
func deleteThreadMessage(w http.ResponseWriter, r *http.Request) {
	mid := mux.Vars(r)["mid"]
	if err := deps.Manager.DeleteMessage(r.Context(), mid); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// closeThread handles POST /threads/{id}/close. Zero delay closes now; a
// positive delay arms a durable schedule that survives restarts.
func closeThread(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRequestOp(r.Context(), "thread_close")

	id := mux.Vars(r)["id"]
	var p struct {
		Delay           string `json:"delay,omitempty"`
		Silent          bool   `json:"silent,omitempty"`
		Reason          string `json:"reason,omitempty"`
		Message         string `json:"message,omitempty"`
		CloserID        string `json:"closer_id,omitempty"`
		DeleteContainer *bool  `json:"delete_container,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	var delay time.Duration
	if strings.TrimSpace(p.Delay) != "" {
		d, err := time.ParseDuration(p.Delay)
		if err != nil {
			utils.JSONError(w, http.StatusBadRequest, "invalid delay; use a duration like 2h or 15m")
			return
		}
		if d < 0 {
			utils.JSONError(w, http.StatusBadRequest, "delay must not be negative")
			return
		}
		delay = d
	}
	th, err := deps.Manager.ScheduleClose(r.Context(), id, thread.CloseOptions{
		Delay:           delay,
		Silent:          p.Silent,
		Reason:          p.Reason,
		Message:         p.Message,
		CloserID:        p.CloserID,
		DeleteContainer: p.DeleteContainer,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, th)
}

// cancelClose handles DELETE /threads/{id}/close: lift a pending scheduled
// close and reopen the thread.
func cancelClose(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	by := r.URL.Query().Get("by")
	if by == "" {
		var p struct {
			By string `json:"by"`
		}
		// body is optional on DELETE
		_ = json.NewDecoder(r.Body).Decode(&p)
		by = p.By
	}
	th, err := deps.Manager.CancelClose(id, by)
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, th)
}

// setThreadTitle handles PUT /threads/{id}/title.
func setThreadTitle(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var p struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := validation.ValidateTitle(p.Title); err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	th, err := deps.Manager.SetTitle(id, p.Title)
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, th)
}
