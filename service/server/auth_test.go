package server

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ayalabs/defigw/service/config"
)

func TestAPIKeyMiddleware(t *testing.T) {
	const goodKey = "aya_0123456789abcdef0123456789abcdef"

	cfg := &config.Config{APIKeys: []string{goodKey}}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := apiKeyMiddleware(cfg, slog.Default())(next)

	tests := []struct {
		name       string
		header     string
		value      string
		wantStatus int
	}{
		{"valid X-API-Key", "X-API-Key", goodKey, http.StatusOK},
		{"valid bearer token", "Authorization", "Bearer " + goodKey, http.StatusOK},
		{"missing key", "", "", http.StatusUnauthorized},
		{"unknown key", "X-API-Key", "aya_ffffffffffffffffffffffffffffffff", http.StatusUnauthorized},
		{"wrong prefix", "X-API-Key", "sk_0123456789abcdef0123456789abcdef0", http.StatusUnauthorized},
		{"too short", "X-API-Key", "aya_short", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}
