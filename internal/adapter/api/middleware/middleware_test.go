package middleware

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/V4T54L/invoice-router/internal/domain/mocks"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAuth(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	testCases := []struct {
		name       string
		key        string
		bearer     string
		basic      string
		repoErr    error
		wantStatus int
	}{
		{name: "Missing Key", wantStatus: http.StatusUnauthorized},
		{name: "Invalid Key", key: "irk_nope", wantStatus: http.StatusUnauthorized},
		{name: "Valid Key", key: "irk_good", wantStatus: http.StatusNoContent},
		{name: "Bearer Token", bearer: "irk_good", wantStatus: http.StatusNoContent},
		{name: "Other Scheme", basic: "irk_good", wantStatus: http.StatusUnauthorized},
		{name: "Repository Failure", key: "irk_good", repoErr: errors.New("db down"), wantStatus: http.StatusInternalServerError},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			repo := &mocks.MockAPIKeyRepository{Keys: map[string]bool{"irk_good": true}, Err: tc.repoErr}
			h := Auth(repo, discardLogger())(ok)

			req := httptest.NewRequest(http.MethodGet, "/admin/audit", nil)
			if tc.key != "" {
				req.Header.Set(APIKeyHeader, tc.key)
			}
			if tc.bearer != "" {
				req.Header.Set("Authorization", "Bearer "+tc.bearer)
			}
			if tc.basic != "" {
				req.Header.Set("Authorization", "Basic "+tc.basic)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if rr.Code != tc.wantStatus {
				t.Errorf("expected status %d, got %d", tc.wantStatus, rr.Code)
			}
			if tc.key == "" && tc.bearer == "" && repo.Calls != 0 {
				t.Error("repository should not be consulted without a key")
			}
		})
	}
}

func TestLogging_PreservesFlusher(t *testing.T) {
	var flushable bool
	h := Logging(discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, flushable = w.(http.Flusher)
		w.WriteHeader(http.StatusTeapot)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if !flushable {
		t.Error("wrapped writer should implement http.Flusher")
	}
	if rr.Code != http.StatusTeapot {
		t.Errorf("expected status %d, got %d", http.StatusTeapot, rr.Code)
	}
}
