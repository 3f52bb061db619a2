package handlers

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/mux"

	"relaydesk/pkg/auth"
	"relaydesk/pkg/models"
	"relaydesk/pkg/store"
	"relaydesk/pkg/telemetry"
	"relaydesk/pkg/thread"
	"relaydesk/pkg/utils"
	"relaydesk/pkg/validation"
)

// RegisterInbound registers the gateway-facing surface: message ingress,
// recipient-side sync, membership events and the directory upsert.
func RegisterInbound(r *mux.Router) {
	r.HandleFunc("/inbound", inboundMessage).Methods(http.MethodPost)
	r.HandleFunc("/inbound/edit", inboundEdit).Methods(http.MethodPost)
	r.HandleFunc("/inbound/delete", inboundDelete).Methods(http.MethodPost)
	r.HandleFunc("/inbound/closed", inboundClosed).Methods(http.MethodPost)

	r.HandleFunc("/events/joined", recipientJoined).Methods(http.MethodPost)
	r.HandleFunc("/events/left", recipientLeft).Methods(http.MethodPost)

	r.HandleFunc("/identity/{recipient}", upsertIdentity).Methods(http.MethodPut)
	r.HandleFunc("/containers/{ref}", containerDeleted).Methods(http.MethodDelete)
}

// inboundPayload is the gateway's relay envelope. MsgID is the message id on
// the recipient side; it keys the link record for later edit/delete sync.
type inboundPayload struct {
	RecipientID string              `json:"recipient_id"`
	MsgID       string              `json:"msg_id"`
	DisplayName string              `json:"display_name,omitempty"`
	Content     string              `json:"content"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
	TS          int64               `json:"ts,omitempty"`
}

// inboundMessage handles POST /inbound. The message is admitted through the
// gate, enqueued onto the thread's relay queue and acknowledged with 202; a
// full queue returns 429 so the gateway retries with backoff.
func inboundMessage(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRequestOp(r.Context(), "relay_inbound")

	var p inboundPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	rid, status, msg := auth.ResolveRecipientFromRequest(r, p.RecipientID)
	if status != 0 {
		utils.JSONError(w, status, msg)
		return
	}
	if err := validation.ValidateMessage(p.Content, p.Attachments); err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if p.MsgID == "" {
		p.MsgID = utils.GenID()
	}
	if p.TS == 0 {
		p.TS = time.Now().UTC().UnixNano()
	}

	th, err := deps.Manager.Inbound(r.Context(), rid, thread.InboundMessage{
		ID:          p.MsgID,
		DisplayName: p.DisplayName,
		Content:     p.Content,
		Attachments: p.Attachments,
		TS:          p.TS,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	telemetry.SetSpanData(r.Context(), "thread", th.ID)
	_ = utils.JSONWrite(w, http.StatusAccepted, map[string]string{
		"thread": th.ID,
		"msg_id": p.MsgID,
		"state":  string(th.State),
	})
}

// inboundEdit handles POST /inbound/edit. Edits of unknown messages and
// closed threads are acknowledged and dropped.
func inboundEdit(w http.ResponseWriter, r *http.Request) {
	var p inboundPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	rid, status, msg := auth.ResolveRecipientFromRequest(r, p.RecipientID)
	if status != 0 {
		utils.JSONError(w, status, msg)
		return
	}
	if p.MsgID == "" {
		utils.JSONError(w, http.StatusBadRequest, "msg_id required")
		return
	}
	if err := validation.ValidateMessage(p.Content, nil); err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := deps.Manager.InboundEdit(r.Context(), rid, p.MsgID, p.Content); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// inboundDelete handles POST /inbound/delete. Idempotent.
func inboundDelete(w http.ResponseWriter, r *http.Request) {
	var p inboundPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	rid, status, msg := auth.ResolveRecipientFromRequest(r, p.RecipientID)
	if status != 0 {
		utils.JSONError(w, status, msg)
		return
	}
	if p.MsgID == "" {
		utils.JSONError(w, http.StatusBadRequest, "msg_id required")
		return
	}
	if err := deps.Manager.InboundDelete(r.Context(), rid, p.MsgID); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// inboundClosed handles POST /inbound/closed, the recipient's own close
// request. Rejected unless self-close is enabled.
func inboundClosed(w http.ResponseWriter, r *http.Request) {
	var p inboundPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	rid, status, msg := auth.ResolveRecipientFromRequest(r, p.RecipientID)
	if status != 0 {
		utils.JSONError(w, status, msg)
		return
	}
	th, err := deps.Manager.SelfClose(r.Context(), rid)
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, th)
}

type membershipEvent struct {
	RecipientID string `json:"recipient_id"`
	Pool        string `json:"pool"`
	TS          int64  `json:"ts,omitempty"`
}

// recipientJoined handles POST /events/joined. The timestamp feeds the
// member-age gate check.
func recipientJoined(w http.ResponseWriter, r *http.Request) {
	var ev membershipEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	rid, status, msg := auth.ResolveRecipientFromRequest(r, ev.RecipientID)
	if status != 0 {
		utils.JSONError(w, status, msg)
		return
	}
	if ev.TS == 0 {
		ev.TS = time.Now().UTC().UnixNano()
	}
	deps.Manager.HandleRecipientJoined(rid, ev.Pool, ev.TS)
	w.WriteHeader(http.StatusNoContent)
}

// recipientLeft handles POST /events/left. Depending on config the
// recipient's open thread closes silently.
func recipientLeft(w http.ResponseWriter, r *http.Request) {
	var ev membershipEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	rid, status, msg := auth.ResolveRecipientFromRequest(r, ev.RecipientID)
	if status != 0 {
		utils.JSONError(w, status, msg)
		return
	}
	if err := deps.Manager.HandleRecipientLeft(r.Context(), rid, ev.Pool); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// upsertIdentity handles PUT /identity/{recipient}: the gateway pushes the
// directory record consulted by the age checks. Synchronous write so a gate
// check right after the upsert sees it.
func upsertIdentity(w http.ResponseWriter, r *http.Request) {
	rid := mux.Vars(r)["recipient"]
	var id models.Identity
	if err := json.NewDecoder(r.Body).Decode(&id); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if id.RecipientID != "" && id.RecipientID != rid {
		utils.JSONError(w, http.StatusBadRequest, "recipient in body does not match path")
		return
	}
	id.RecipientID = rid
	if _, status, msg := auth.ResolveRecipientFromRequest(r, rid); status != 0 {
		utils.JSONError(w, status, msg)
		return
	}
	if err := store.SaveIdentity(id); err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, id)
}

// containerDeleted handles DELETE /containers/{ref}: the gateway observed an
// out-of-band container removal and the matching thread must close.
func containerDeleted(w http.ResponseWriter, r *http.Request) {
	refEnc := mux.Vars(r)["ref"]
	// path variables are not automatically unescaped by gorilla/mux
	ref, err := url.PathUnescape(refEnc)
	if err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid ref encoding")
		return
	}
	if err := deps.Manager.HandleContainerDeleted(r.Context(), ref); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
