package room

import (
	"context"

	"go.uber.org/zap"

	"github.com/reflectd/reflectd/internal/v1/logging"
	"github.com/reflectd/reflectd/internal/v1/metrics"
	"github.com/reflectd/reflectd/internal/v1/protocol"
)

// HandleMessage processes one raw frame from a connected client. Protocol
// violations get an error frame and a socket close.
func (r *Room) HandleMessage(ctx context.Context, clientID ClientID, data []byte) {
	client := r.clients.Get(clientID)
	if client == nil {
		// Frame raced the close; nothing to answer it on.
		return
	}

	frame, err := protocol.DecodeUpstream(data)
	if err != nil {
		metrics.WebsocketEvents.WithLabelValues("message", "invalid").Inc()
		logging.Warn(ctx, "Invalid frame",
			zap.String("roomID", string(r.ID)),
			zap.String("clientID", string(clientID)),
			zap.Error(err))
		client.Conn.Send(protocol.MustEncodeError(protocol.ErrInvalidMessage, err.Error()))
		client.Conn.Close()
		return
	}

	switch frame.Tag {
	case protocol.TagPing:
		pong, _ := protocol.EncodePong()
		client.Conn.Send(pong)
		metrics.WebsocketEvents.WithLabelValues("ping", "ok").Inc()

	case protocol.TagPull:
		if r.opts.PullHandler == nil {
			logging.Warn(ctx, "Pull frame dropped, no pull handler configured",
				zap.String("roomID", string(r.ID)),
				zap.String("clientID", string(clientID)))
			metrics.WebsocketEvents.WithLabelValues("pull", "dropped").Inc()
			return
		}
		r.opts.PullHandler(ctx, r.ID, clientID, frame.Pull)
		metrics.WebsocketEvents.WithLabelValues("pull", "ok").Inc()

	case protocol.TagPush:
		r.handlePush(ctx, client, frame.Push)
	}
}

func (r *Room) handlePush(ctx context.Context, client *ClientState, body *protocol.PushBody) {
	if r.opts.SchemaVersion != "" && body.SchemaVersion != r.opts.SchemaVersion {
		client.Conn.Send(protocol.MustEncodeError(protocol.ErrInvalidMessage,
			"schemaVersion mismatch: want "+r.opts.SchemaVersion+", got "+body.SchemaVersion))
		client.Conn.Close()
		metrics.WebsocketEvents.WithLabelValues("push", "schema_mismatch").Inc()
		return
	}
	if body.PushVersion != 0 {
		client.Conn.Send(protocol.MustEncodeError(protocol.ErrInvalidMessage,
			"unsupported pushVersion"))
		client.Conn.Close()
		metrics.WebsocketEvents.WithLabelValues("push", "invalid").Inc()
		return
	}

	err := r.lock.WithLock(ctx, "push", r.opts.TurnDuration, func() error {
		nowMs := toMs(r.clock.Now())
		if body.Timestamp != 0 {
			client.RecordClockSkew(nowMs - body.Timestamp)
		}
		if body.RequestID != "" {
			client.pendingRequestID = body.RequestID
		}

		for _, m := range body.Mutations {
			// Retransmits of already-buffered or already-confirmed mutations
			// are dropped here; the turn loop re-checks against the durable
			// record.
			if m.ID <= client.lastPendingID {
				metrics.MutationsTotal.WithLabelValues("duplicate").Inc()
				continue
			}
			client.lastPendingID = m.ID
			r.buffer.Add(&PendingMutation{
				ClientID:                client.ClientID,
				ID:                      m.ID,
				Name:                    m.Name,
				Args:                    m.Args,
				Timestamp:               m.Timestamp,
				ServerReceivedTimestamp: nowMs,
				Auth:                    client.UserData,
			})
			metrics.MutationsTotal.WithLabelValues("enqueued").Inc()
		}
		return nil
	})
	if err != nil {
		logging.Warn(ctx, "Push not enqueued",
			zap.String("roomID", string(r.ID)),
			zap.String("clientID", string(client.ClientID)),
			zap.Error(err))
		return
	}

	metrics.WebsocketEvents.WithLabelValues("push", "ok").Inc()
	r.scheduleTurn(r.opts.TurnDuration)
}
