package broadcast

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"veloway/backend/libs/session"
	"veloway/backend/services/fleet-service/internal/state"
)

// Server upgrades authenticated dashboard requests to broadcast connections.
type Server struct {
	hub          *Hub
	cache        *state.Cache
	sessions     session.Store
	debounce     time.Duration
	writeTimeout time.Duration
	logger       *zap.Logger
	upgrader     websocket.Upgrader
}

// NewServer builds the websocket endpoint handler.
func NewServer(hub *Hub, cache *state.Cache, sessions session.Store, debounce, writeTimeout time.Duration, logger *zap.Logger) *Server {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Server{
		hub:          hub,
		cache:        cache,
		sessions:     sessions,
		debounce:     debounce,
		writeTimeout: writeTimeout,
		logger:       logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWS is the HTTP handler for /fleet/ws. The session id arrives as a
// query parameter or an authorization header and must belong to a live admin
// session before the upgrade happens.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	sess, err := s.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	connection := NewConnection(uuid.NewString(), conn, s.cache.Snapshot, s.debounce, s.writeTimeout, s.logger, func(id string) {
		s.hub.Remove(id)
		cancel()
	})
	s.hub.Add(connection)

	go connection.Start(ctx)
	s.logger.Info("dashboard connected",
		zap.String("conn_id", connection.ID()),
		zap.String("account_id", sess.AccountID))
}

func (s *Server) authenticate(r *http.Request) (*session.Session, error) {
	id := r.URL.Query().Get("session_id")
	if id == "" {
		id = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer"))
	}
	if id == "" {
		return nil, session.ErrNotFound
	}

	sess, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if sess.Role != session.RoleAdmin {
		return nil, errors.New("broadcast: dashboard requires admin session")
	}
	return sess, nil
}
