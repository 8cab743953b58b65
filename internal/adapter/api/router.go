package api

import (
	"log/slog"
	"net/http"

	"github.com/V4T54L/invoice-router/internal/adapter/api/handler"
	"github.com/V4T54L/invoice-router/internal/adapter/api/middleware"
	"github.com/V4T54L/invoice-router/internal/adapter/metrics"
	"github.com/V4T54L/invoice-router/internal/pkg/config"
)

const maxNotificationBody = 1 << 20

// NewRouter creates the public router of the ingest service: the mailbox push
// endpoint and a liveness probe.
func NewRouter(cfg *config.Config, logger *slog.Logger, notifier handler.ChangeNotifier, m *metrics.Metrics) http.Handler {
	mux := http.NewServeMux()

	notifications := handler.NewNotificationHandler(notifier, cfg.SubscriptionClientState, maxNotificationBody, m, logger)
	mux.Handle("POST /notifications/mail", notifications)

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return middleware.Logging(logger)(mux)
}
