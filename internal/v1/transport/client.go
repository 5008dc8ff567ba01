// Package transport owns the WebSocket surface: upgrading connections,
// pumping frames between sockets and room actors, and the hub that keeps
// room actors resident.
package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/reflectd/reflectd/internal/v1/logging"
	"github.com/reflectd/reflectd/internal/v1/metrics"
	"github.com/reflectd/reflectd/internal/v1/protocol"
	"github.com/reflectd/reflectd/internal/v1/room"
)

const (
	writeWait = 10 * time.Second

	// readWait bounds silence on the socket; the client protocol pings well
	// inside this window.
	readWait = 60 * time.Second

	sendBufferSize = 256
)

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
}

// Client pumps frames between one WebSocket and its room actor. It implements
// room.Conn.
type Client struct {
	conn     wsConnection
	room     *room.Room
	clientID room.ClientID

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once

	send chan []byte

	onClosed func()
}

func newClient(conn wsConnection, r *room.Room, clientID room.ClientID) *Client {
	return &Client{
		conn:     conn,
		room:     r,
		clientID: clientID,
		send:     make(chan []byte, sendBufferSize),
	}
}

// Send queues a frame for delivery. It never blocks; a full buffer drops the
// frame and the slow client is expected to fall behind and reconnect.
func (c *Client) Send(data []byte) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return
	}
	c.mu.RUnlock()

	defer func() {
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "Recovered from send to closing client",
				zap.String("clientId", string(c.clientID)), zap.Any("panic", r))
		}
	}()

	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "Client send channel full, dropping frame",
			zap.String("clientId", string(c.clientID)))
	}
}

// Close stops the write pump, which drains the buffer, sends a close frame
// and closes the connection.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.send)
	})
}

// readPump forwards incoming frames to the room until the socket dies.
func (c *Client) readPump() {
	defer func() {
		c.room.HandleClose(context.Background(), c.clientID, c)
		c.Close()
		_ = c.conn.Close()
		metrics.DecConnection()
		if c.onClosed != nil {
			c.onClosed()
		}
	}()

	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(readWait))
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				c.Send(protocol.MustEncodeError(protocol.ErrPingTimeout, "no frames received"))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		c.room.HandleMessage(context.Background(), c.clientID, data)
	}
}

func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()

	for message := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logging.Warn(context.Background(), "Error writing frame",
				zap.String("clientId", string(c.clientID)), zap.Error(err))
			return
		}
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
