package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"footprint-core/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsMessage struct {
	Event events.Event `json:"event"`
	Data  any          `json:"data"`
}

// websocket streams job lifecycle and integrity events to the client.
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.Logger.Warn("ws upgrade error", zap.Error(err))
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	done, unsubDone := s.Bus.Subscribe(events.EventJobCompleted, 100)
	defer unsubDone()
	failed, unsubFailed := s.Bus.Subscribe(events.EventJobFailed, 100)
	defer unsubFailed()
	alerts, unsubAlerts := s.Bus.Subscribe(events.EventIntegrityAlert, 100)
	defer unsubAlerts()

	// The reader only notices the peer going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		var msg wsMessage
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case data := <-done:
			msg = wsMessage{Event: events.EventJobCompleted, Data: data}
		case data := <-failed:
			msg = wsMessage{Event: events.EventJobFailed, Data: data}
		case data := <-alerts:
			msg = wsMessage{Event: events.EventIntegrityAlert, Data: data}
		}
		if err := conn.WriteJSON(msg); err != nil {
			s.Logger.Debug("ws write error", zap.Error(err))
			return
		}
	}
}
