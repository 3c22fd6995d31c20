package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/kiranshivaraju/reportforge/internal/api/response"
)

// WebhookSecretHeader carries the shared secret on crawler callbacks.
const WebhookSecretHeader = "X-Webhook-Secret"

// WebhookSecret rejects requests that do not present secret in the
// X-Webhook-Secret header or the "secret" query parameter. An empty secret
// disables the check.
func WebhookSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(WebhookSecretHeader)
			if got == "" {
				got = r.URL.Query().Get("secret")
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				response.Error(w, http.StatusUnauthorized,
					"INVALID_WEBHOOK_SECRET", "Missing or invalid webhook secret", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
