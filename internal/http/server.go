package http

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/baja5b/claude-workflow-system/internal/log"
	"github.com/baja5b/claude-workflow-system/pkg/service"
)

// Services are the operations exposed over HTTP. Notifications and Tests are
// optional; their routes answer 503 when nil.
type Services struct {
	Workflows     *service.WorkflowService
	Notifications *service.NotificationService
	Tests         *service.TestResultService
	// Ping reports database health for /health.
	Ping func(ctx context.Context) error
}

type Options struct {
	RateLimit float64 // requests per second, 0 disables limiting
	Burst     int
	Metrics   http.Handler
}

// NewHandler builds the routed, instrumented API handler.
func NewHandler(svc Services, opts Options) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", HealthHandler(svc.Ping))
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	h := &handlers{svc: svc}
	mux.HandleFunc("GET /workflows", h.listWorkflows)
	mux.HandleFunc("POST /workflows", h.createWorkflow)
	mux.HandleFunc("GET /workflows/active", h.activeWorkflows)
	mux.HandleFunc("GET /workflows/summary", h.summaries)
	mux.HandleFunc("GET /projects/{project}/current", h.currentWorkflow)
	mux.HandleFunc("GET /workflows/{id}", h.getWorkflow)
	mux.HandleFunc("PATCH /workflows/{id}", h.updateWorkflow)
	mux.HandleFunc("DELETE /workflows/{id}", h.deleteWorkflow)
	mux.HandleFunc("PATCH /workflows/{id}/status", h.transition)
	mux.HandleFunc("POST /workflows/{id}/confirm", h.confirm)
	mux.HandleFunc("GET /workflows/{id}/tasks", h.listTasks)
	mux.HandleFunc("POST /workflows/{id}/tasks", h.addTasks)
	mux.HandleFunc("GET /workflows/{id}/tasks/next", h.nextTask)
	mux.HandleFunc("PATCH /tasks/{id}", h.updateTask)
	mux.HandleFunc("POST /tasks/{id}/skip", h.skipTask)
	mux.HandleFunc("POST /tasks/{id}/retry", h.retryTask)
	mux.HandleFunc("GET /workflows/{id}/test-results", h.listTestResults)
	mux.HandleFunc("POST /test-results", h.recordTestResult)
	mux.HandleFunc("GET /workflows/{id}/notifications", h.listNotifications)
	mux.HandleFunc("POST /notifications/{id}/retry", h.retryNotification)
	mux.HandleFunc("POST /workflows/{id}/decision", h.requestDecision)
	mux.HandleFunc("GET /stats", h.stats)

	var handler http.Handler = mux
	handler = rateLimit(handler, opts.RateLimit, opts.Burst)
	handler = requestLogger(handler)
	handler = requestID(handler)
	return handler
}

// Server wraps http.Server with graceful shutdown on context cancellation.
type Server struct {
	srv *http.Server
}

func NewServer(addr string, handler http.Handler, readTimeout, writeTimeout time.Duration) *Server {
	return &Server{srv: &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}}
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.GetLogger().Infof("Starting workflow API on %s", s.srv.Addr)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.GetLogger().Info("Shutting down workflow API")
		return s.srv.Shutdown(shutdownCtx)
	}
}

func HealthHandler(ping func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ping != nil {
			if err := ping(r.Context()); err != nil {
				log.GetLogger().Errorf("Health check failed: %v", err)
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "database": "disconnected"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "database": "connected"})
	}
}
