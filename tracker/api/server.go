package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/bench-history/tracker/analysis"
	"github.com/bench-history/tracker/ingest"
	"github.com/bench-history/tracker/storage"
	"github.com/bench-history/tracker/telemetry"
	"github.com/bench-history/tracker/types"
)

const requestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// Options configures the API server
type Options struct {
	Addr            string
	ConflictRetries int
	WarnOnly        bool
	// Metrics is optional; when set /metrics serves its registry
	Metrics *telemetry.Metrics
	Hub     WSHubConfig
	// Now stamps ingested runs; defaults to time.Now
	Now func() time.Time
}

// Server exposes ingestion, history and regression checks over HTTP
type Server struct {
	opts       Options
	store      storage.HistoryStore
	ingestor   *ingest.Ingestor
	detector   analysis.RegressionDetector
	hub        *WSHub
	upgrader   websocket.Upgrader
	httpServer *http.Server
	log        logrus.FieldLogger
}

// NewServer creates a new API server instance
func NewServer(store storage.HistoryStore, detector analysis.RegressionDetector, opts Options, log logrus.FieldLogger) *Server {
	if opts.Hub.MaxClients == 0 {
		opts.Hub = DefaultWSHubConfig()
	}
	ingestor := ingest.NewIngestor(store, log)
	if opts.Now != nil {
		ingestor = ingestor.WithClock(opts.Now)
	}
	return &Server{
		opts:     opts,
		store:    store,
		ingestor: ingestor,
		detector: detector,
		hub:      NewWSHub(opts.Hub, log),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log.WithField("component", "api-server"),
	}
}

// Hub returns the server's WebSocket hub
func (s *Server) Hub() *WSHub {
	return s.hub
}

// Start runs the WebSocket hub and begins listening in the background
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go s.hub.Run(ctx)

	go func() {
		s.log.WithField("addr", s.opts.Addr).Info("API server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("API server failed")
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server and the hub
func (s *Server) Stop() error {
	s.log.Info("Stopping API server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.hub.Stop()
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.log.WithError(err).Error("Failed to shutdown API server gracefully")
		return err
	}
	s.log.Info("API server stopped")
	return nil
}

// Handler builds the router with all middleware applied
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(s.requestIDMiddleware)
	router.Use(s.enableCORS)
	router.Use(s.loggingMiddleware)
	router.Use(s.errorHandlingMiddleware)

	api := router.PathPrefix("/api").Subrouter()
	env := api.PathPrefix("/environments/{env}").Subrouter()
	env.HandleFunc("/runs", s.handleIngest).Methods("POST", "OPTIONS")
	env.HandleFunc("/history", s.handleHistory).Methods("GET", "OPTIONS")
	env.HandleFunc("/window", s.handleWindow).Methods("GET", "OPTIONS")
	env.HandleFunc("/check", s.handleCheck).Methods("GET", "OPTIONS")
	api.HandleFunc("/ws", s.hub.HandleWebSocketConnection(&s.upgrader))

	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.opts.Metrics != nil {
		router.Handle("/metrics", s.opts.Metrics.Handler()).Methods("GET")
	}
	return router
}

// requestIDMiddleware propagates or assigns X-Request-ID
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// enableCORS adds CORS headers to responses
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWriterWrapper{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapper, r)

		s.requestLog(r).WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapper.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
			"remote_addr": r.RemoteAddr,
		}).Info("HTTP request processed")
	})
}

// errorHandlingMiddleware turns handler panics into 500 responses
func (s *Server) errorHandlingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.requestLog(r).WithField("error", err).Error("Panic in HTTP handler")
				s.writeErrorResponse(w, http.StatusInternalServerError, "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLog(r *http.Request) logrus.FieldLogger {
	if id, ok := r.Context().Value(requestIDKey{}).(string); ok {
		return s.log.WithField("request_id", id)
	}
	return s.log
}

// responseWriterWrapper wraps http.ResponseWriter to capture status codes
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Hijack lets the WebSocket upgrader take over the connection
func (w *responseWriterWrapper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}

// writeJSONResponse writes a JSON response with the given status code
func (s *Server) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.WithError(err).Error("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error response with the given status code and message
func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSONResponse(w, statusCode, map[string]interface{}{
		"error":   true,
		"message": message,
		"status":  statusCode,
	})
}

// statusFor maps the error taxonomy onto HTTP status codes
func statusFor(err error) int {
	switch {
	case types.IsMalformedInput(err), types.IsValidation(err):
		return http.StatusBadRequest
	case types.IsConflict(err):
		return http.StatusConflict
	case types.IsUnavailable(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, analysis.ErrNoRuns):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
