package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/claude-task-queue/internal/lifecycle"
	"github.com/hochfrequenz/claude-task-queue/internal/qerr"
	"github.com/hochfrequenz/claude-task-queue/internal/queue"
	"github.com/hochfrequenz/claude-task-queue/internal/scoring"
)

const maxBodyBytes = 1 << 20

// Server is the HTTP API server
type Server struct {
	machine   *lifecycle.Machine
	reader    *queue.Reader
	evaluator *scoring.Evaluator
	addr      string
	mux       *http.ServeMux
	hub       *EventHub
	upgrader  websocket.Upgrader
}

// NewServer creates a new API server. Lifecycle events reach SSE and
// WebSocket clients once Publish is registered as a machine listener.
func NewServer(machine *lifecycle.Machine, reader *queue.Reader, evaluator *scoring.Evaluator, addr string) *Server {
	s := &Server{
		machine:   machine,
		reader:    reader,
		evaluator: evaluator,
		addr:      addr,
		mux:       http.NewServeMux(),
		hub:       NewEventHub(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// Queue
	s.mux.HandleFunc("GET /api/queue/stats", s.queueStatsHandler())
	s.mux.HandleFunc("GET /api/queue/provider-stats", s.providerStatsHandler())

	// Task retrieval
	s.mux.HandleFunc("GET /api/tasks/next-for-qa", s.nextForQAHandler())
	s.mux.HandleFunc("GET /api/tasks/next-for-execution", s.nextForExecutionHandler())
	s.mux.HandleFunc("GET /api/tasks/retry-queue", s.retryQueueHandler())
	s.mux.HandleFunc("GET /api/tasks/{id}", s.getTaskHandler())

	// Ingestion
	s.mux.HandleFunc("POST /api/tasks", s.createTaskHandler())
	s.mux.HandleFunc("POST /api/tasks/bulk", s.createBulkTasksHandler())

	// Task operations
	s.mux.HandleFunc("POST /api/tasks/{id}/claim", s.claimHandler())
	s.mux.HandleFunc("POST /api/tasks/{id}/verdict", s.verdictHandler())
	s.mux.HandleFunc("POST /api/tasks/{id}/confirm", s.confirmHandler())
	s.mux.HandleFunc("POST /api/tasks/{id}/start-run", s.startRunHandler())
	s.mux.HandleFunc("POST /api/tasks/{id}/complete-run", s.completeRunHandler())
	s.mux.HandleFunc("POST /api/tasks/{id}/release", s.releaseHandler())
	s.mux.HandleFunc("POST /api/tasks/{id}/escalate", s.escalateHandler())
	s.mux.HandleFunc("POST /api/tasks/{id}/enqueue", s.enqueueHandler())

	// Scoring
	s.mux.HandleFunc("POST /api/evaluate", s.evaluateHandler())
	s.mux.HandleFunc("GET /api/evaluations", s.listEvaluationsHandler())
	s.mux.HandleFunc("GET /api/evaluations/{id}", s.getEvaluationHandler())

	// Event streams
	s.mux.HandleFunc("GET /api/events", s.sseHandler())
	s.mux.HandleFunc("GET /api/ws", s.wsHandler())
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Publish forwards a lifecycle event to connected stream clients. It is
// shaped as a lifecycle.Listener.
func (s *Server) Publish(e lifecycle.Event) {
	s.hub.Broadcast(e)
}

// Hub returns the event hub feeding the stream endpoints
func (s *Server) Hub() *EventHub {
	return s.hub
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.hub.Run(ctx)

	errc := make(chan error, 1)
	go func() {
		log.Printf("api listening on %s", s.addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		log.Printf("api stopped")
		return nil
	}
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

// errorResponse is the body of every failed request
type errorResponse struct {
	Error   string         `json:"error"`
	Kind    qerr.Kind      `json:"kind"`
	Details map[string]any `json:"details,omitempty"`
}

func statusFor(kind qerr.Kind) int {
	switch kind {
	case qerr.Validation:
		return http.StatusUnprocessableEntity
	case qerr.Conflict:
		return http.StatusConflict
	case qerr.NotFound:
		return http.StatusNotFound
	case qerr.State:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := qerr.KindOf(err)
	code := statusFor(kind)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		log.Printf("api error: %v", err)
		if kind == qerr.Internal {
			msg = "internal error"
		}
	}
	writeJSON(w, code, errorResponse{Error: msg, Kind: kind, Details: qerr.DetailsOf(err)})
}

// decodeJSON reads a JSON request body into v. An empty body leaves v
// untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return qerr.Wrap(qerr.Validation, err, "invalid JSON body")
	}
	return nil
}
