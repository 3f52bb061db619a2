package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"relaydesk/pkg/gate"
	"relaydesk/pkg/provision"
	"relaydesk/pkg/relay"
	"relaydesk/pkg/store"
	"relaydesk/pkg/thread"
	"relaydesk/pkg/utils"
)

// Deps are the service singletons the HTTP surface drives. SetDeps must be
// called before route registration.
type Deps struct {
	Manager *thread.Manager
	// Reload re-reads the config file and applies the reloadable sections.
	Reload func() error
	// Shutdown requests a graceful server exit.
	Shutdown func(reason string) error
}

var deps Deps

// SetDeps injects the service singletons.
func SetDeps(d Deps) { deps = d }

// writeErr maps service errors onto the API status codes. Gate denials keep
// their machine-readable code so the gateway can message the recipient.
func writeErr(w http.ResponseWriter, err error) {
	var denial *gate.DenialError
	var relayErr *relay.RelayError
	switch {
	case errors.As(err, &denial):
		_ = utils.JSONWrite(w, http.StatusForbidden, map[string]string{
			"error": denial.Reason,
			"code":  string(denial.Code),
		})
	case errors.Is(err, relay.ErrQueueFull):
		utils.JSONError(w, http.StatusTooManyRequests, "relay queue full; try again")
	case errors.As(err, &relayErr):
		utils.JSONError(w, http.StatusBadGateway, relayErr.Error())
	case errors.Is(err, provision.ErrCapacityExceeded), errors.Is(err, provision.ErrPermissionDenied):
		utils.JSONError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, thread.ErrThreadNotFound), errors.Is(err, thread.ErrMessageNotFound):
		utils.JSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, thread.ErrThreadNotActive), errors.Is(err, thread.ErrNoScheduledClose):
		utils.JSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, thread.ErrSelfCloseDisabled):
		utils.JSONError(w, http.StatusForbidden, err.Error())
	case store.IsNotFound(err):
		utils.JSONError(w, http.StatusNotFound, err.Error())
	default:
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
	}
}

// parseLimit reads an optional non-negative "limit" query parameter; zero
// means unlimited.
func parseLimit(r *http.Request) int {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// isAdmin checks if the request carries the admin role.
func isAdmin(r *http.Request) bool {
	return r.Header.Get("X-Role-Name") == "admin"
}
