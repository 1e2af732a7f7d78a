package routing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"groupwarden/internal/database"
	"groupwarden/internal/handlers"
	"groupwarden/internal/telegram"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter(t *testing.T, received *[]int64) http.Handler {
	t.Helper()
	h := handlers.NewHandler(&database.MockStore{}, handlers.Config{
		GroupID:      -100,
		Backend:      database.BackendBolt,
		DeliveryMode: handlers.DeliveryWebhook,
	})
	webhook := telegram.NewWebhookHandler("token", telegram.UpdateHandlerFunc(func(_ context.Context, u telegram.Update) {
		*received = append(*received, u.UpdateID)
	}))
	return SetupRouter(Config{
		Handlers:    h,
		Webhook:     webhook,
		WebhookPath: "abc123",
		Logger:      zerolog.Nop(),
	})
}

func TestSetupRouter(t *testing.T) {
	var received []int64
	router := newRouter(t, &received)

	tests := []struct {
		name     string
		method   string
		path     string
		wantCode int
	}{
		{"status page", http.MethodGet, "/", http.StatusOK},
		{"health", http.MethodGet, "/healthz", http.StatusOK},
		{"metrics", http.MethodGet, "/metrics", http.StatusOK},
		{"unknown path", http.MethodGet, "/wp-admin", http.StatusNotFound},
		{"wrong webhook path", http.MethodPost, "/webhook/guess", http.StatusNotFound},
		{"status page is read only", http.MethodPost, "/", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.wantCode, rec.Code)
		})
	}
}

func TestSetupRouter_Webhook(t *testing.T) {
	var received []int64
	router := newRouter(t, &received)

	req := httptest.NewRequest(http.MethodPost, "/webhook/abc123", strings.NewReader(`{"update_id":77}`))
	req.Header.Set(telegram.SecretTokenHeader, "token")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int64{77}, received)
}

func TestSetupRouter_SecurityHeaders(t *testing.T) {
	var received []int64
	router := newRouter(t, &received)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	csp := rec.Header().Get("Content-Security-Policy")
	require.NotEmpty(t, csp)
	assert.Contains(t, rec.Body.String(), `<style nonce="`)
}

func TestSetupRouter_PollingHasNoWebhook(t *testing.T) {
	h := handlers.NewHandler(&database.MockStore{}, handlers.Config{DeliveryMode: handlers.DeliveryPolling})
	router := SetupRouter(Config{Handlers: h, Logger: zerolog.Nop()})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook/anything", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
