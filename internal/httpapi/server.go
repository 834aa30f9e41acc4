// Package httpapi is the HTTP surface of the service: the /api routes,
// the middleware chain (correlation, admission, timing, recovery), and
// the mapping between wire shapes and internal models. Pipeline errors
// carry their own status codes; this package only translates.
package httpapi

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/worksafeai/copilot/internal/audit"
	"github.com/worksafeai/copilot/internal/config"
	"github.com/worksafeai/copilot/internal/health"
	"github.com/worksafeai/copilot/internal/memory"
	"github.com/worksafeai/copilot/internal/orchestrator"
	"github.com/worksafeai/copilot/internal/promptreg"
)

const apiVersion = "1.0"

// Deps bundles what the HTTP layer serves from. Gatherer defaults to
// the process-wide Prometheus registry; Version defaults to "dev".
type Deps struct {
	Config       *config.Config
	Logger       *zap.Logger
	Orchestrator *orchestrator.Orchestrator
	Memory       *memory.Manager
	Audit        audit.Store
	Versions     promptreg.VersionStore
	Health       *health.Manager
	Gatherer     prometheus.Gatherer
	Version      string
}

// Server holds the handlers and the admission state.
type Server struct {
	logger         *zap.Logger
	orch           *orchestrator.Orchestrator
	memory         *memory.Manager
	audit          audit.Store
	versions       promptreg.VersionStore
	health         *health.Manager
	gatherer       prometheus.Gatherer
	admission      *admission
	requestTimeout time.Duration
	version        string
	started        time.Time
}

// New builds the server. The admission limits come from the server
// config; zero values disable the corresponding gate.
func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	var adm *admission
	var requestTimeout time.Duration
	if deps.Config != nil {
		srv := deps.Config.Server
		adm = newAdmission(srv.MaxConcurrent, srv.RateLimitRPS, srv.RateLimitBurst)
		requestTimeout = srv.RequestTimeout
	}

	return &Server{
		logger:         logger,
		orch:           deps.Orchestrator,
		memory:         deps.Memory,
		audit:          deps.Audit,
		versions:       deps.Versions,
		health:         deps.Health,
		gatherer:       gatherer,
		admission:      adm,
		requestTimeout: requestTimeout,
		version:        version,
		started:        time.Now(),
	}
}

// Routes assembles the mux and wraps it in the middleware chain,
// outermost first: recovery, correlation, response headers, admission,
// request timeout.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/ask", s.handleAsk)
	mux.HandleFunc("POST /api/draft-letter", s.handleDraftLetter)
	mux.HandleFunc("POST /api/ingest", s.handleIngest)
	mux.HandleFunc("GET /api/conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("GET /api/personas/{userId}", s.handleGetPersona)
	mux.HandleFunc("POST /api/personas/{userId}", s.handlePutPersona)
	mux.HandleFunc("GET /api/policies/search", s.handlePolicySearch)
	mux.HandleFunc("GET /api/audit-logs", s.handleAuditLogs)
	mux.HandleFunc("GET /api/prompt-versions", s.handlePromptVersions)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/metrics", s.handleMetrics)

	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	if s.health != nil {
		health.NewHandler(s.health, s.logger).Register(mux)
	}

	var h http.Handler = mux
	h = s.withRequestTimeout(h)
	h = s.withAdmission(h)
	h = s.withHeaders(h)
	h = s.withCorrelation(h)
	h = s.withRecovery(h)
	return h
}
