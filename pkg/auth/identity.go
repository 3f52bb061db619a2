package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"relaydesk/pkg/config"
	"relaydesk/pkg/logger"
	"relaydesk/pkg/utils"
)

// Role represents the resolved caller role for a request.
type Role int

const (
	RoleUnauth Role = iota
	// RoleGateway is the recipient-side bridge service.
	RoleGateway
	// RoleStaff keys drive the thread and message surfaces.
	RoleStaff
	RoleAdmin
)

// SecConfig mirrors the security-related configuration used to drive
// authentication, CORS and rate limiting behavior. Put here so limiter.go
// and gateway.go can reference the shared type.
type SecConfig struct {
	AllowedOrigins []string
	RPS            float64
	Burst          int
	IPWhitelist    []string
	GatewayKeys    map[string]struct{}
	StaffKeys      map[string]struct{}
	AdminKeys      map[string]struct{}
}

type ctxRecipientKey struct{}

// RequireSignedRecipient verifies HMAC signature headers and injects the
// verified recipient id into the request context. Gateway and admin callers
// may omit the signature; when one is present it is verified regardless.
func RequireSignedRecipient(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role := r.Header.Get("X-Role-Name")
		recipientID := strings.TrimSpace(r.Header.Get("X-Recipient-ID"))
		sig := strings.TrimSpace(r.Header.Get("X-Recipient-Signature"))

		if role == "gateway" || role == "admin" {
			if sig == "" {
				next.ServeHTTP(w, r)
				return
			}
			// signature present -> verify below
		}

		if sig == "" || recipientID == "" {
			logger.Warn("missing_signature_headers", "path", r.URL.Path, "remote", r.RemoteAddr)
			utils.JSONError(w, http.StatusUnauthorized, "missing signature headers")
			return
		}

		keys := config.GetSigningKeys()
		if len(keys) == 0 {
			logger.Error("no_signing_keys_configured")
			utils.JSONError(w, http.StatusInternalServerError, "server misconfigured: no signing secrets available")
			return
		}

		ok := false
		for k := range keys {
			mac := hmac.New(sha256.New, []byte(k))
			mac.Write([]byte(recipientID))
			expected := hex.EncodeToString(mac.Sum(nil))
			if hmac.Equal([]byte(expected), []byte(sig)) {
				ok = true
				break
			}
		}
		if !ok {
			logger.Warn("invalid_signature", "recipient", recipientID)
			utils.JSONError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
		ctx := context.WithValue(r.Context(), ctxRecipientKey{}, recipientID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RecipientIDFromContext returns the verified recipient id or empty string.
func RecipientIDFromContext(ctx context.Context) string {
	if v := ctx.Value(ctxRecipientKey{}); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
