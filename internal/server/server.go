// Package server is the HTTP boundary: chat runs streamed as NDJSON or over
// a websocket, session history for resumption, knowledge upload and
// Prometheus metrics.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rahul/vibe/internal/agent"
	"github.com/rahul/vibe/internal/knowledge"
	"github.com/rahul/vibe/internal/observability"
	"github.com/rahul/vibe/internal/store"
	"github.com/rahul/vibe/internal/trace"
)

// Supervisor is the run surface the server drives.
type Supervisor interface {
	Run(ctx context.Context, sessionID, message string) (agent.Result, error)
	Cancel(sessionID string) bool
	IsRunning(sessionID string) bool
}

type Deps struct {
	Supervisor Supervisor
	Store      store.Store
	Emitter    *trace.Emitter
	// Knowledge is optional; /upload answers 503 without it.
	Knowledge knowledge.Adapter
	Metrics   *observability.Metrics
	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

type Server struct {
	sup       Supervisor
	store     store.Store
	emitter   *trace.Emitter
	knowledge knowledge.Adapter
	metrics   *observability.Metrics
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
	upgrader  websocket.Upgrader

	// runs started over HTTP outlive the request that started them.
	baseCtx context.Context
	stop    context.CancelFunc
	runs    sync.WaitGroup
}

func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Server{
		sup:       deps.Supervisor,
		store:     deps.Store,
		emitter:   deps.Emitter,
		knowledge: deps.Knowledge,
		metrics:   deps.Metrics,
		gatherer:  deps.Gatherer,
		logger:    deps.Logger.With("component", "http"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		baseCtx: ctx,
		stop:    stop,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("GET /sessions/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /sessions/{id}/ws", s.handleWebsocket)
	mux.HandleFunc("POST /sessions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /history/{id}", s.handleHistory)
	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return s.instrument(mux)
}

// ListenAndServe serves until ctx is done, then stops accepting requests,
// cancels runs started over HTTP and waits up to grace for them to wind
// down.
func (s *Server) ListenAndServe(ctx context.Context, addr string, grace time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.logger.Info("starting http server", "addr", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
	}
	s.Close()
	return nil
}

// Close cancels runs started over HTTP and waits for them to record their
// final state.
func (s *Server) Close() {
	s.stop()
	s.runs.Wait()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusRecorder captures the response code for metrics. It passes Flush
// and Hijack through so streaming and websocket upgrades keep working.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	if r.status == 0 {
		r.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(rec.status))
		s.logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}
