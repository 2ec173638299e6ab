package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/lei/woodhouse/internal/config"
	"github.com/lei/woodhouse/pkg/logger"
)

func TestAuthenticate(t *testing.T) {
	auth := NewAuthMiddleware([]config.APIKey{
		{Name: "ci-bot", Key: "key-one"},
		{Name: "dashboard", Key: "key-two"},
	})

	var gotName string
	handler := auth.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotName = GetAPIKeyName(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantName   string
	}{
		{"first key", "Bearer key-one", http.StatusNoContent, "ci-bot"},
		{"second key", "Bearer key-two", http.StatusNoContent, "dashboard"},
		{"missing", "", http.StatusUnauthorized, ""},
		{"basic scheme", "Basic key-one", http.StatusUnauthorized, ""},
		{"empty token", "Bearer ", http.StatusUnauthorized, ""},
		{"unknown key", "Bearer key-three", http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotName = ""
			req := httptest.NewRequest(http.MethodPost, "/jobs/a/builds", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if gotName != tt.wantName {
				t.Errorf("api key name = %q, want %q", gotName, tt.wantName)
			}
		})
	}
}

func TestAuthenticateOpenWithoutKeys(t *testing.T) {
	handler := NewAuthMiddleware(nil).Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
}

func TestKeyPrefix(t *testing.T) {
	if got := keyPrefix("abcdefghijkl"); got != "abcdefgh" {
		t.Errorf("keyPrefix() = %q", got)
	}
	if got := keyPrefix("abc"); got != "abc" {
		t.Errorf("keyPrefix() = %q", got)
	}
}

func TestLoggingMiddleware(t *testing.T) {
	var (
		gotID     string
		gotLogger *logger.Logger
	)
	lm := NewLoggingMiddleware(logger.New("error", "text"))
	handler := middleware.RequestID(lm.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = GetRequestID(r.Context())
		gotLogger = GetLogger(r.Context())

		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(": keep-alive\n\n"))
		w.(http.Flusher).Flush()
	})))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/jobs/status", nil))

	if gotID == "" || gotID == "unknown" {
		t.Errorf("request id = %q, want one from chi", gotID)
	}
	if gotLogger == nil || gotLogger == discardLogger {
		t.Error("handler did not get the request logger")
	}
	if !w.Flushed {
		t.Error("Flush did not reach the underlying writer")
	}
}
