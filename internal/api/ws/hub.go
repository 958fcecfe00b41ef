package ws

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	redisstore "github.com/perch-labs/switchyard/internal/store/redis"
)

// Hub streams tenant lifecycle events to operator dashboards over WebSocket,
// backed by Redis pub/sub.
type Hub struct {
	bus *redisstore.Bus
}

// NewHub creates a new WebSocket hub.
func NewHub(bus *redisstore.Bus) *Hub {
	return &Hub{bus: bus}
}

// ServeEvents handles WebSocket connections for the lifecycle event stream.
// Subscribes to the lifecycle channel and forwards every transition to the
// connected client.
func (h *Hub) ServeEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket accept")
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	messages, cleanup, err := h.bus.Subscribe(ctx, redisstore.LifecycleChannel())
	if err != nil {
		log.Error().Err(err).Msg("websocket subscribe")
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer cleanup()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "connection closed")
			return
		case msg, msgOK := <-messages:
			if !msgOK {
				_ = conn.Close(websocket.StatusNormalClosure, "channel closed")
				return
			}
			if writeErr := conn.Write(ctx, websocket.MessageText, msg); writeErr != nil {
				log.Debug().Err(writeErr).Msg("websocket write")
				return
			}
		}
	}
}
