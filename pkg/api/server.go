package api

import (
	"log/slog"
	"net/http"

	"github.com/operonlabs/conductor/pkg/aistep"
	"github.com/operonlabs/conductor/pkg/audit"
	"github.com/operonlabs/conductor/pkg/execution"
	"github.com/operonlabs/conductor/pkg/reaper"
	"github.com/operonlabs/conductor/pkg/review"
	"github.com/operonlabs/conductor/pkg/store"
)

// Server wires the coordinator services to their HTTP surface.
type Server struct {
	executions *execution.Service
	reviews    *review.Service
	aiExecutor *aistep.Executor
	reaper     *reaper.Reaper
	store      *store.Store
	exporter   *audit.Exporter

	gate           *WebhookGate
	rateStore      RateStore
	idemStore      IdempotencyStore
	reviewerSecret string

	logger *slog.Logger
}

// Options carries the server's collaborators.
type Options struct {
	Executions *execution.Service
	Reviews    *review.Service
	AIExecutor *aistep.Executor
	Reaper     *reaper.Reaper
	Store      *store.Store
	Exporter   *audit.Exporter

	Gate           *WebhookGate
	RateStore      RateStore
	IdemStore      IdempotencyStore
	ReviewerSecret string
}

// NewServer creates the HTTP server facade.
func NewServer(opts Options) *Server {
	return &Server{
		executions:     opts.Executions,
		reviews:        opts.Reviews,
		aiExecutor:     opts.AIExecutor,
		reaper:         opts.Reaper,
		store:          opts.Store,
		exporter:       opts.Exporter,
		gate:           opts.Gate,
		rateStore:      opts.RateStore,
		idemStore:      opts.IdemStore,
		reviewerSecret: opts.ReviewerSecret,
		logger:         slog.Default().With("component", "api"),
	}
}

// Routes builds the coordinator's route table. Webhook-originated mutations
// pass the authenticity gate before anything else; the gate runs ahead of
// body parsing and of every database side effect.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	gated := func(h http.HandlerFunc) http.Handler {
		return s.gate.Middleware(Idempotency(s.idemStore)(h))
	}
	limited := RateLimit(s.rateStore)

	mux.Handle("/api/v1/executions/progress", byMethod(map[string]http.Handler{
		http.MethodPost: gated(s.handleProgressReport),
		http.MethodGet:  http.HandlerFunc(s.handleExecutionQuery),
	}))
	mux.Handle("/api/v1/executions/complete", byMethod(map[string]http.Handler{
		http.MethodPost: gated(s.handleComplete),
	}))

	mux.Handle("/api/v1/reviews", byMethod(map[string]http.Handler{
		http.MethodPost: s.gate.Middleware(limited(http.HandlerFunc(s.handleReviewCreate))),
		http.MethodGet:  limited(http.HandlerFunc(s.handleReviewPoll)),
	}))
	mux.Handle("/api/v1/reviews/respond", byMethod(map[string]http.Handler{
		http.MethodPost: http.HandlerFunc(s.handleReviewRespond),
	}))

	mux.Handle("/api/v1/ai/execute", byMethod(map[string]http.Handler{
		http.MethodPost: http.HandlerFunc(s.handleAIExecute),
	}))

	mux.Handle("/api/v1/cleanup/run", byMethod(map[string]http.Handler{
		http.MethodPost: gated(s.handleCleanupRun),
	}))
	mux.Handle("/api/v1/cleanup/status", byMethod(map[string]http.Handler{
		http.MethodGet: http.HandlerFunc(s.handleCleanupStatus),
	}))

	mux.Handle("/api/v1/activity", byMethod(map[string]http.Handler{
		http.MethodGet: http.HandlerFunc(s.handleActivity),
	}))
	mux.Handle("/api/v1/activity/export", byMethod(map[string]http.Handler{
		http.MethodPost: http.HandlerFunc(s.handleActivityExport),
	}))

	mux.HandleFunc("/healthz", s.handleHealth)

	return mux
}

// byMethod dispatches by HTTP method so gated and ungated methods can share
// a path.
func byMethod(handlers map[string]http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h, ok := handlers[r.Method]
		if !ok {
			WriteMethodNotAllowed(w)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
