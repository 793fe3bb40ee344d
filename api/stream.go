package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gregtusar/etrader/pkg/models"
)

var (
	pingInterval = 30 * time.Second
	pongWait     = 2 * pingInterval
	writeWait    = 10 * time.Second
)

type streamMessage struct {
	Type     string                   `json:"type"`
	Snapshot models.PortfolioSnapshot `json:"snapshot"`
}

// handlePortfolioStream pushes a snapshot of one account's portfolio on
// connect and after every monitor refresh until the client goes away.
func (s *Server) handlePortfolioStream(w http.ResponseWriter, r *http.Request) {
	idKey := r.PathValue("idKey")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to upgrade portfolio stream")
		return
	}
	defer conn.Close()

	log := s.logger.WithField("account_id_key", idKey)
	log.Info("Portfolio stream opened")
	defer log.Info("Portfolio stream closed")

	// The request context is not tied to a hijacked connection.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snapshots, unsubscribe := s.monitor.Subscribe(idKey)
	defer unsubscribe()
	go s.monitor.Refresh(ctx, idKey)

	done := make(chan struct{})
	go s.readLoop(conn, done)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(streamMessage{Type: "portfolio", Snapshot: snap}); err != nil {
				log.WithError(err).Debug("Failed to write snapshot")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.WithError(err).Debug("Failed to send ping")
				return
			}
		}
	}
}

// readLoop drains client frames so pongs and close frames are processed.
func (s *Server) readLoop(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.WithError(err).Debug("Portfolio stream read error")
			}
			return
		}
	}
}
