package ipc

import (
	"context"
	"net/http"
	"strings"
)

// Server wraps an HTTP server with gateway-specific routing.
type Server struct {
	httpServer *http.Server
}

// NewServer creates a Server that binds to the given address.
func NewServer(h *Handler, listenAddr string) *Server {
	mux := http.NewServeMux()

	// Health endpoint.
	mux.HandleFunc("GET /api/v1/health", h.Health)

	// Session endpoints.
	mux.HandleFunc("POST /api/v1/session", h.Submit)
	mux.HandleFunc("GET /api/v1/session/{sessionID}", h.GetSession)
	mux.HandleFunc("POST /api/v1/session/{sessionID}/cancel", h.CancelSession)

	// Event endpoints.
	mux.HandleFunc("GET /api/v1/session/{sessionID}/events", h.ListEvents)
	mux.HandleFunc("GET /api/v1/session/{sessionID}/events/stream", h.StreamEvents)

	// Pre-flight probe.
	mux.HandleFunc("POST /api/v1/preflight", h.Preflight)

	// Reporting endpoint.
	mux.HandleFunc("GET /api/v1/report", h.GetReport)

	srv := &http.Server{
		Addr:    listenAddr,
		Handler: corsMiddleware(mux),
	}

	return &Server{
		httpServer: srv,
	}
}

// Start begins listening for HTTP connections. Blocks until the server stops.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// FormatListenURL renders a listen address as a browsable URL.
func FormatListenURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "http://localhost" + addr
	}
	return "http://" + addr
}

// corsMiddleware adds CORS headers for local UI collaborators.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
