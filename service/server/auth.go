package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ayalabs/defigw/service/config"
)

// apiKeyMiddleware rejects requests that do not carry a valid API key before
// they reach the JSON-RPC dispatcher. Keys are accepted from the X-API-Key
// header or an "Authorization: Bearer" header.
func apiKeyMiddleware(cfg *config.Config, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
					key = strings.TrimPrefix(auth, "Bearer ")
				}
			}

			if !cfg.ValidAPIKey(key) {
				logger.WarnContext(r.Context(), "rejected request with invalid API key", "remote_addr", r.RemoteAddr)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"error": "invalid or missing API key"})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
