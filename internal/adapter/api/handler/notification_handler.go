package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/V4T54L/invoice-router/internal/adapter/metrics"
)

// ChangeNotifier receives the ids of mailbox items announced by a push
// notification. It must not block.
type ChangeNotifier interface {
	Notify(itemID string) bool
}

// changeNotification is one entry of a Graph change notification batch.
type changeNotification struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientState    string `json:"clientState"`
	ChangeType     string `json:"changeType"`
	Resource       string `json:"resource"`
	ResourceData   struct {
		ID string `json:"id"`
	} `json:"resourceData"`
}

// NotificationHandler is the push endpoint registered with the mailbox
// subscription. It answers the validation handshake and hands item ids to the
// coordinator; the poll loop covers anything dropped here.
type NotificationHandler struct {
	notifier    ChangeNotifier
	clientState string
	maxBodySize int64
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

func NewNotificationHandler(n ChangeNotifier, clientState string, maxBodySize int64, m *metrics.Metrics, logger *slog.Logger) *NotificationHandler {
	return &NotificationHandler{
		notifier:    n,
		clientState: clientState,
		maxBodySize: maxBodySize,
		metrics:     m,
		logger:      logger.With("component", "push_notifications"),
	}
}

func (h *NotificationHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Subscription validation: echo the token back as plain text.
	if token := r.URL.Query().Get("validationToken"); token != "" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(token))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	var batch struct {
		Value []changeNotification `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			http.Error(w, "Payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		h.logger.Warn("failed to decode change notification", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	accepted, rejected := 0, 0
	for _, n := range batch.Value {
		if h.clientState != "" && n.ClientState != h.clientState {
			rejected++
			h.logger.Warn("change notification with wrong client state", "subscription_id", n.SubscriptionID)
			continue
		}
		if n.ResourceData.ID == "" {
			continue
		}
		accepted++
		if !h.notifier.Notify(n.ResourceData.ID) {
			h.metrics.AdmitFailed("push_buffer_full")
			h.logger.Warn("push buffer full, leaving item to the poll", "item_id", n.ResourceData.ID)
		}
	}

	if accepted == 0 && rejected > 0 {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
