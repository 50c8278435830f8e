package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// Status values reported by GET /status.
const (
	StateIdle      = "idle"
	StateWaiting   = "waiting"
	StateConfirmed = "confirmed"
)

// HTTP confirms through POST /confirm. One run waits at a time.
type HTTP struct {
	router chi.Router
	logger *zap.Logger
	addr   string

	mu      sync.Mutex
	state   string
	info    Info
	since   time.Time
	confirm chan struct{}

	srv *http.Server
	ln  net.Listener
}

// NewHTTP builds an HTTP confirmer bound to addr once Start is called.
// metrics may be nil.
func NewHTTP(addr string, metrics http.Handler, logger *zap.Logger) *HTTP {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &HTTP{
		logger: logger.Named("checkpoint"),
		addr:   addr,
		state:  StateIdle,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(h.loggingMiddleware)
	r.Use(h.recoverMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/status", h.status)
	r.Post("/confirm", h.confirmHandler)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	h.router = r
	return h
}

// Handler returns the router for tests and custom servers.
func (h *HTTP) Handler() http.Handler {
	return h.router
}

// Addr reports the bound address after Start.
func (h *HTTP) Addr() string {
	if h.ln != nil {
		return h.ln.Addr().String()
	}
	return h.addr
}

// Start binds the listener and serves in the background until Shutdown.
func (h *HTTP) Start() error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", h.addr, err)
	}
	h.ln = ln
	h.srv = &http.Server{
		Handler:           otelhttp.NewHandler(h.router, "checkpoint"),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := h.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("checkpoint server error", zap.Error(err))
		}
	}()
	h.logger.Info("checkpoint server started", zap.String("addr", ln.Addr().String()))
	return nil
}

// Shutdown stops the server.
func (h *HTTP) Shutdown(ctx context.Context) error {
	if h.srv == nil {
		return nil
	}
	if err := h.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown checkpoint server: %w", err)
	}
	return nil
}

// Confirm marks the run as waiting and blocks until POST /confirm or ctx ends.
func (h *HTTP) Confirm(ctx context.Context, info Info) error {
	if info.Message == "" {
		info.Message = DefaultMessage
	}
	ch := make(chan struct{})
	h.mu.Lock()
	if h.state == StateWaiting {
		h.mu.Unlock()
		return errors.New("checkpoint already waiting")
	}
	h.state, h.info, h.since, h.confirm = StateWaiting, info, time.Now().UTC(), ch
	h.mu.Unlock()
	h.logger.Info("awaiting operator confirmation", zap.String("run_id", info.RunID), zap.String("addr", h.Addr()))

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		h.mu.Lock()
		h.state, h.confirm = StateIdle, nil
		h.mu.Unlock()
		return fmt.Errorf("checkpoint canceled: %w", ctx.Err())
	}
}

type statusResponse struct {
	State        string     `json:"state"`
	RunID        string     `json:"run_id,omitempty"`
	Message      string     `json:"message,omitempty"`
	WaitingSince *time.Time `json:"waiting_since,omitempty"`
}

func (h *HTTP) status(w http.ResponseWriter, _ *http.Request) {
	h.mu.Lock()
	resp := statusResponse{State: h.state, RunID: h.info.RunID, Message: h.info.Message}
	if h.state == StateWaiting {
		since := h.since
		resp.WaitingSince = &since
	}
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, resp)
}

func (h *HTTP) confirmHandler(w http.ResponseWriter, _ *http.Request) {
	h.mu.Lock()
	if h.state != StateWaiting || h.confirm == nil {
		state := h.state
		h.mu.Unlock()
		writeError(w, http.StatusConflict, "no run is waiting (state "+state+")")
		return
	}
	close(h.confirm)
	h.state, h.confirm = StateConfirmed, nil
	runID := h.info.RunID
	h.mu.Unlock()
	writeJSON(w, http.StatusAccepted, map[string]string{"state": StateConfirmed, "run_id": runID})
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *HTTP) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		h.logger.Debug("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (h *HTTP) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
