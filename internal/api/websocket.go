package api

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/marketlens/marketlens/internal/status"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleStatusStream upgrades to a websocket and forwards the project's
// status events until the client disconnects. The publisher delivers to
// each sink serially, so writes here never interleave.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "project_id", projectID, "error", err)
		return
	}

	sub := s.publisher.Subscribe(projectID, status.SinkFunc(func(e status.Event) error {
		return conn.WriteJSON(e)
	}))
	s.logger.Debug("status stream opened", "project_id", projectID)

	// Reader loop exists to detect disconnects; inbound frames are ignored.
	go func() {
		defer func() {
			s.publisher.Unsubscribe(sub)
			conn.Close()
			s.logger.Debug("status stream closed", "project_id", projectID)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
