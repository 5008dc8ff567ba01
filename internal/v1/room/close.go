package room

import (
	"context"

	"go.uber.org/zap"

	"github.com/reflectd/reflectd/internal/v1/logging"
	"github.com/reflectd/reflectd/internal/v1/metrics"
)

// HandleClose removes the connection from the registry and queues disconnect
// work for the next turn. The durable ClientRecord is retained. conn guards
// against a stale close evicting a fresh reconnect; nil skips the check.
func (r *Room) HandleClose(ctx context.Context, clientID ClientID, conn Conn) {
	removed := false
	err := r.lock.WithLock(ctx, "close", r.opts.TurnDuration, func() error {
		c := r.clients.Get(clientID)
		if c == nil {
			return nil
		}
		if conn != nil && c.Conn != conn {
			return nil
		}
		r.clients.Remove(clientID, c)
		r.disconnectPending[clientID] = struct{}{}
		removed = true
		return nil
	})
	if err != nil || !removed {
		return
	}

	metrics.RoomClients.WithLabelValues(string(r.ID)).Set(float64(r.clients.Len()))
	metrics.WebsocketEvents.WithLabelValues("close", "ok").Inc()
	logging.Info(ctx, "Client disconnected",
		zap.String("roomID", string(r.ID)),
		zap.String("clientID", string(clientID)))
	r.scheduleTurn(r.opts.TurnDuration)
}
