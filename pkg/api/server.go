package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/caam1406/gastos-bridge/pkg/bridge"
	"github.com/caam1406/gastos-bridge/pkg/bus"
	"github.com/caam1406/gastos-bridge/pkg/logger"
	"github.com/caam1406/gastos-bridge/pkg/whatsapp"
)

// StatusReporter is the read-only view of the bridge the control surface
// exposes.
type StatusReporter interface {
	Ready() bool
	State() bridge.SessionState
}

// ChatLister enumerates the session's chats.
type ChatLister interface {
	ListGroups(ctx context.Context) ([]whatsapp.Chat, error)
}

// Server is the minimal synchronous control surface: health, conversation
// listing, and a websocket event tap. Everything except /health requires the
// shared secret.
type Server struct {
	host  string
	port  int
	token string

	status StatusReporter
	chats  ChatLister

	eventBus   *bus.EventBus
	hub        *Hub
	httpServer *http.Server
	startTime  time.Time
}

func NewServer(host string, port int, token string, status StatusReporter, chats ChatLister, eventBus *bus.EventBus) *Server {
	return &Server{
		host:     host,
		port:     port,
		token:    token,
		status:   status,
		chats:    chats,
		eventBus: eventBus,
	}
}

func (s *Server) Start(ctx context.Context) error {
	s.startTime = time.Now()

	s.hub = NewHub(s.eventBus)
	go s.hub.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/v1/conversations", s.authMiddleware(s.handleConversations))
	mux.HandleFunc("/ws", s.handleWebSocket)

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	go func() {
		logger.InfoCF("api", "Control surface started", map[string]interface{}{
			"address": addr,
		})
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("api", "Control surface error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	return nil
}

func (s *Server) Stop() {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(ctx)
		logger.InfoC("api", "Control surface stopped")
	}
}

// authMiddleware enforces the shared secret. Unauthorized requests get a
// fixed body with no detail.
func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.extractToken(r) != s.token {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// extractToken gets the shared secret from the x-api-key header, falling
// back to the token query parameter (used by the websocket tap).
func (s *Server) extractToken(r *http.Request) string {
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	return r.URL.Query().Get("token")
}
