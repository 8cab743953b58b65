package api

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/V4T54L/invoice-router/internal/adapter/api/handler"
	"github.com/V4T54L/invoice-router/internal/adapter/api/middleware"
	"github.com/V4T54L/invoice-router/internal/domain"
	"github.com/V4T54L/invoice-router/internal/usecase"
)

// AdminDeps collects what the operator router serves.
type AdminDeps struct {
	UseCase  *usecase.AdminUseCase
	APIKeys  domain.APIKeyRepository
	Events   *handler.SSEBroker
	Gatherer prometheus.Gatherer
	Checks   map[string]handler.HealthCheck
}

// NewAdminRouter creates the operator router. Everything under /admin needs
// an API key; /health and /metrics are open for probes and scrapers.
func NewAdminRouter(deps AdminDeps, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	adminHandler := handler.NewAdminHandler(deps.UseCase, deps.Checks, logger)
	auth := middleware.Auth(deps.APIKeys, logger)

	mux.HandleFunc("GET /health", adminHandler.HealthCheck)
	mux.Handle("GET /metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))

	// Audit
	mux.Handle("GET /admin/audit", auth(http.HandlerFunc(adminHandler.ListAudit)))
	mux.Handle("GET /admin/audit/{txID}", auth(http.HandlerFunc(adminHandler.GetAudit)))

	// Queues
	mux.Handle("GET /admin/queues/{stage}", auth(http.HandlerFunc(adminHandler.GetQueue)))
	mux.Handle("GET /admin/poison/{stage}", auth(http.HandlerFunc(adminHandler.ListPoison)))
	mux.Handle("POST /admin/poison/{stage}/{id}/replay", auth(http.HandlerFunc(adminHandler.ReplayPoison)))

	// Live outcomes
	if deps.Events != nil {
		mux.Handle("GET /admin/events", auth(deps.Events))
	}

	return middleware.Logging(logger)(mux)
}
