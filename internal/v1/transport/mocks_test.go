package transport

import (
	"errors"
	"sync"
	"time"
)

// mockConn is an in-memory wsConnection for tests.
type mockConn struct {
	mu       sync.Mutex
	written  [][]byte
	msgTypes []int

	inbound   chan []byte
	closeOnce sync.Once
	closeCh   chan struct{}
}

func newMockConn() *mockConn {
	return &mockConn{
		inbound: make(chan []byte, 16),
		closeCh: make(chan struct{}),
	}
}

func (m *mockConn) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-m.inbound:
		if !ok {
			return 0, nil, errors.New("mock: inbound closed")
		}
		return 1, data, nil // websocket.TextMessage
	case <-m.closeCh:
		return 0, nil, errors.New("mock: connection closed")
	}
}

func (m *mockConn) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.closeCh:
		return errors.New("mock: connection closed")
	default:
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	m.written = append(m.written, buf)
	m.msgTypes = append(m.msgTypes, messageType)
	return nil
}

func (m *mockConn) Close() error {
	m.closeOnce.Do(func() { close(m.closeCh) })
	return nil
}

func (m *mockConn) SetWriteDeadline(time.Time) error { return nil }
func (m *mockConn) SetReadDeadline(time.Time) error  { return nil }

func (m *mockConn) Written() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.written))
	copy(out, m.written)
	return out
}

func (m *mockConn) Closed() bool {
	select {
	case <-m.closeCh:
		return true
	default:
		return false
	}
}
