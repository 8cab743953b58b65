package handler

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type recordingNotifier struct {
	mu   sync.Mutex
	ids  []string
	full bool
}

func (n *recordingNotifier) Notify(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.full {
		return false
	}
	n.ids = append(n.ids, id)
	return true
}

func TestNotificationHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	notification := func(state, id string) string {
		return `{"subscriptionId":"sub-1","clientState":"` + state + `","changeType":"created","resourceData":{"id":"` + id + `"}}`
	}

	tests := []struct {
		name           string
		method         string
		target         string
		body           string
		full           bool
		expectedStatus int
		expectedBody   string
		expectedIDs    []string
	}{
		{
			name:           "Validation Handshake",
			method:         http.MethodPost,
			target:         "/notifications/mail?validationToken=abc%20123",
			expectedStatus: http.StatusOK,
			expectedBody:   "abc 123",
		},
		{
			name:           "Accepted Notifications",
			method:         http.MethodPost,
			target:         "/notifications/mail",
			body:           `{"value":[` + notification("s3cret", "AAMk1") + `,` + notification("s3cret", "AAMk2") + `]}`,
			expectedStatus: http.StatusAccepted,
			expectedIDs:    []string{"AAMk1", "AAMk2"},
		},
		{
			name:           "Wrong Client State Is Skipped",
			method:         http.MethodPost,
			target:         "/notifications/mail",
			body:           `{"value":[` + notification("nope", "AAMk1") + `,` + notification("s3cret", "AAMk2") + `]}`,
			expectedStatus: http.StatusAccepted,
			expectedIDs:    []string{"AAMk2"},
		},
		{
			name:           "All Rejected",
			method:         http.MethodPost,
			target:         "/notifications/mail",
			body:           `{"value":[` + notification("nope", "AAMk1") + `]}`,
			expectedStatus: http.StatusForbidden,
			expectedBody:   "Forbidden\n",
		},
		{
			name:           "Buffer Full Still Accepted",
			method:         http.MethodPost,
			target:         "/notifications/mail",
			body:           `{"value":[` + notification("s3cret", "AAMk1") + `]}`,
			full:           true,
			expectedStatus: http.StatusAccepted,
		},
		{
			name:           "Bad JSON",
			method:         http.MethodPost,
			target:         "/notifications/mail",
			body:           `{"value":[`,
			expectedStatus: http.StatusBadRequest,
			expectedBody:   "Bad request\n",
		},
		{
			name:           "Payload Too Large",
			method:         http.MethodPost,
			target:         "/notifications/mail",
			body:           `{"value":[` + strings.Repeat(notification("s3cret", "AAMk1")+",", 50) + notification("s3cret", "x") + `]}`,
			expectedStatus: http.StatusRequestEntityTooLarge,
			expectedBody:   "Payload too large\n",
		},
		{
			name:           "Invalid Method",
			method:         http.MethodGet,
			target:         "/notifications/mail",
			expectedStatus: http.StatusMethodNotAllowed,
			expectedBody:   "Method not allowed\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recordingNotifier{full: tt.full}
			h := NewNotificationHandler(rec, "s3cret", 1024, nil, logger)

			req := httptest.NewRequest(tt.method, tt.target, bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", "application/json")
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, tt.expectedStatus)
			}
			if tt.expectedBody != "" && rr.Body.String() != tt.expectedBody {
				t.Errorf("handler returned unexpected body: got %q want %q", rr.Body.String(), tt.expectedBody)
			}
			if strings.Join(rec.ids, ",") != strings.Join(tt.expectedIDs, ",") {
				t.Errorf("notified ids = %v, want %v", rec.ids, tt.expectedIDs)
			}
		})
	}
}
