package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/slatrack/internal/actionlog"
	"github.com/pitabwire/slatrack/internal/config"
	"github.com/pitabwire/slatrack/internal/definition"
	"github.com/pitabwire/slatrack/internal/evaluator"
	"github.com/pitabwire/slatrack/internal/observability"
	"github.com/pitabwire/slatrack/internal/report"
	"github.com/pitabwire/slatrack/internal/workflow"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Authenticate func(http.Handler) http.Handler

	Engine      *workflow.Engine
	Definitions *definition.Service
	ActionLogs  actionlog.Store
	Reports     *report.Service
	Evaluator   *evaluator.Evaluator

	Readiness observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := deps.Config

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(cfg.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	// Public routes bypass authentication.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if cfg.Observability.Metrics.Enabled {
		path := cfg.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, observability.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(cfg.Identity.ClaimPaths))
		r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
		r.Use(BodyLimit(cfg.Server.MaxBodyBytes))
		r.Use(RequestLogging(logger))

		admin := RequireRole(cfg.Identity.AdminRole)

		r.Route("/definitions", func(r chi.Router) {
			r.Get("/", handleListDefinitions(deps.Definitions))
			r.Get("/{definitionId}", handleGetDefinition(deps.Definitions))
			r.With(admin).Post("/", handlePublishDefinition(deps.Definitions, deps.Metrics))
			r.With(admin).Post("/{definitionId}/versions", handleNewDefinitionVersion(deps.Definitions, deps.Metrics))
		})

		r.Route("/records", func(r chi.Router) {
			r.Post("/", handleCreateRecord(deps.Engine))
			r.Get("/", handleListRecords(deps.Engine))
			r.Get("/{recordId}", handleGetRecord(deps.Engine))
			r.Post("/{recordId}/advance", handleAdvanceRecord(deps.Engine))
		})

		r.Get("/action-logs", handleListActionLogs(deps.ActionLogs))

		r.Get("/reports/sla", handleSLAReport(deps.Reports))
		r.Get("/reports/sla.xlsx", handleSLAReportXLSX(deps.Reports))

		r.With(admin).Post("/evaluator/run", handleRunEvaluator(deps.Evaluator))
	})

	return r
}
