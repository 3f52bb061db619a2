package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"relaydesk/pkg/models"
	"relaydesk/pkg/store"
	"relaydesk/pkg/utils"
)

// RegisterMessages registers message-by-id lookups used by staff tooling.
func RegisterMessages(r *mux.Router) {
	r.HandleFunc("/messages/{id}", getMessage).Methods(http.MethodGet)
	r.HandleFunc("/messages/{id}/versions", listMessageVersions).Methods(http.MethodGet)
	r.HandleFunc("/messages/{id}/link", getMessageLink).Methods(http.MethodGet)
}

// getMessage handles GET /messages/{id}: the latest stored version.
func getMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	m, err := store.GetLatestMessage(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, m)
}

// listMessageVersions handles GET /messages/{id}/versions: the full edit
// history in chronological order, tombstone included.
func listMessageVersions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	vers, err := store.ListMessageVersions(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if len(vers) == 0 {
		utils.JSONError(w, http.StatusNotFound, "message not found")
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		ID       string           `json:"id"`
		Versions []models.Message `json:"versions"`
	}{ID: id, Versions: vers})
}

// getMessageLink handles GET /messages/{id}/link: the relay pair record for
// a message id on either side. "side" selects the index (default channel).
func getMessageLink(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var (
		l   models.LinkedMessage
		err error
	)
	if r.URL.Query().Get("side") == string(models.Inbound) {
		l, err = store.GetLinkByRecipientMsg(id)
	} else {
		l, err = store.GetLinkByChannelMsg(id)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, l)
}
