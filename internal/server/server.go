// Package server sets up the HTTP router, middleware, and request handlers.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/howard-nolan/llmrelay/internal/logging"
	"github.com/howard-nolan/llmrelay/internal/relay"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// Server holds the HTTP router and everything the handlers need.
type Server struct {
	router chi.Router
	relay  *relay.Relay
	log    zerolog.Logger
}

// New creates a Server with its routes and middleware wired, ready to use
// as an http.Handler.
func New(rl *relay.Relay, log zerolog.Logger) *Server {
	s := &Server{relay: rl, log: log}
	s.routes()
	return s
}

// routes wires the middleware chain and endpoints. RequestID runs first
// so the access log line and the stream log line of one request share an
// id. There is no Timeout middleware: SSE responses stay open for the
// whole reply and the upstream adapters enforce their own deadlines.
func (s *Server) routes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(s.log))
	// Recoverer turns a handler panic into a 500 instead of killing the
	// process.
	r.Use(middleware.Recoverer)
	r.Use(cors)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/chat/stream", s.handleChatStream)
	r.Post("/chat/stream", s.handleChatStream)
	r.Post("/chat", s.handleChat)

	r.Get("/providers", s.handleListProviders)
	r.Get("/providers/{id}/models", s.handleListModels)
	r.Post("/providers/{id}/test", s.handleTestConnection)

	s.router = r
}

// ServeHTTP makes Server satisfy http.Handler by delegating to chi.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// cors allows every origin and answers preflight requests directly.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-Id")

		if r.Method == http.MethodOptions {
			h.Set("Access-Control-Max-Age", "86400")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
