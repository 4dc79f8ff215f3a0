package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/chorushq/chorus/internal/rpcconnect"
)

// Server is the HTTP server hosting the scripted speech service.
type Server struct {
	speech     *rpcconnect.Server
	httpServer *http.Server
	router     chi.Router
}

// New creates a new Server. The handler is wrapped in h2c so bidirectional
// Connect streams work over cleartext HTTP/2.
func New(bindAddr string, opts ...func(*rpcconnect.Server)) *Server {
	rpcPath, rpcHandler, svc := rpcconnect.NewHandler(opts...)
	srv := &Server{speech: svc}
	srv.router = srv.buildRouter(rpcPath, rpcHandler)
	srv.httpServer = &http.Server{
		Addr:    bindAddr,
		Handler: h2c.NewHandler(srv.router, &http2.Server{}),
	}
	return srv
}

func (s *Server) buildRouter(rpcPath string, rpc http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(structuredLogger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	// Connect procedures match on their full paths; chi leaves the URL
	// untouched for mounted plain handlers.
	r.Mount(strings.TrimSuffix(rpcPath, "/"), rpc)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/listen", s.handleListen)
		r.Post("/recognize", s.handleRecognize)
	})

	r.Get("/healthz", s.handleHealthz)
	r.Get("/debug/stats", s.handleStats)

	return r
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	slog.Info("HTTP server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("HTTP server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// Close immediately closes the listener and all active connections.
func (s *Server) Close() error {
	return s.httpServer.Close()
}

// Handler returns the h2c-wrapped http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Speech returns the underlying speech service.
func (s *Server) Speech() *rpcconnect.Server {
	return s.speech
}

// JSON response helpers

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, code string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// Middleware

func structuredLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Connect-Protocol-Version")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
