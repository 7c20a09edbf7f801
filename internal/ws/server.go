package ws

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"palaver/internal/models"
)

type tokenVerifier interface {
	Verify(token string) (models.Identity, error)
}

type Server struct {
	coord    dispatcher
	verifier tokenVerifier
	upgrader *websocket.Upgrader
	logger   *zap.SugaredLogger
}

func NewServer(coord dispatcher, verifier tokenVerifier, logger *zap.SugaredLogger) *Server {
	return &Server{
		coord:    coord,
		verifier: verifier,
		logger:   logger,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // clients connect from arbitrary origins
			},
		},
	}
}

// HandleConnections upgrades a websocket session and hands it to the
// connection pump. A token supplied via header is checked before the
// upgrade so obviously unverified attempts never reach registration; the
// authoritative check still happens on the authenticate event.
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if token := r.Header.Get("token"); token != "" {
		if _, err := s.verifier.Verify(token); err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	connID := uuid.NewString()
	c := NewConnection(s.coord, conn, connID)
	if err := c.Handle(r.Context()); err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.logger.Debugw("connection ended", "conn_id", connID, "error", err)
	}
}
