package auth

import (
	"net/http"
	"strings"

	"relaydesk/pkg/logger"
)

func validateRecipient(a string) (bool, string) {
	if a == "" {
		return false, "recipient required"
	}
	if len(a) > 128 {
		return false, "recipient too long"
	}
	return true, ""
}

// ResolveRecipientFromRequest is the canonical resolver handlers call. A
// signature-verified recipient (in context) is authoritative; a conflicting
// recipient from header, body or query is rejected with 403. Without a
// signature, gateway and admin roles may supply the recipient directly;
// anyone else gets 401.
func ResolveRecipientFromRequest(r *http.Request, bodyRecipient string) (string, int, string) {
	if id := RecipientIDFromContext(r.Context()); id != "" {
		if q := strings.TrimSpace(r.URL.Query().Get("recipient")); q != "" && q != id {
			logger.Warn("recipient_mismatch_signature_query", "signature", id, "query", q, "path", r.URL.Path)
			return "", http.StatusForbidden, "recipient mismatch between signature and query param"
		}
		if h := strings.TrimSpace(r.Header.Get("X-Recipient-ID")); h != "" && h != id {
			logger.Warn("recipient_mismatch_signature_header", "signature", id, "header", h, "path", r.URL.Path)
			return "", http.StatusForbidden, "recipient mismatch between signature and header"
		}
		if bodyRecipient != "" && bodyRecipient != id {
			logger.Warn("recipient_mismatch_signature_body", "signature", id, "body", bodyRecipient, "path", r.URL.Path)
			return "", http.StatusForbidden, "recipient mismatch between signature and body"
		}
		return id, 0, ""
	}

	role := r.Header.Get("X-Role-Name")
	if role == "gateway" || role == "admin" {
		for _, cand := range []string{
			bodyRecipient,
			strings.TrimSpace(r.Header.Get("X-Recipient-ID")),
			strings.TrimSpace(r.URL.Query().Get("recipient")),
		} {
			if cand == "" {
				continue
			}
			if ok, msg := validateRecipient(cand); !ok {
				logger.Warn("invalid_gateway_recipient", "recipient", cand, "path", r.URL.Path)
				return "", http.StatusBadRequest, msg
			}
			return cand, 0, ""
		}
		logger.Warn("gateway_missing_recipient", "remote", r.RemoteAddr, "path", r.URL.Path)
		return "", http.StatusBadRequest, "recipient required for gateway requests"
	}

	logger.Warn("missing_recipient_signature", "role", role, "path", r.URL.Path)
	return "", http.StatusUnauthorized, "missing or invalid recipient signature"
}
