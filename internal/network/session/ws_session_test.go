package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	network "github.com/lk2023060901/guessr-gateway/internal/network"
)

type frame struct {
	msgType int
	data    []byte
}

// fakeConn 在内存中模拟 WebSocket 连接。
type fakeConn struct {
	mu       sync.Mutex
	written  []frame
	writeErr error
	inbound  chan frame
	closed   chan struct{}
	once     sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan frame, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case f := <-c.inbound:
		return f.msgType, f.data, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, frame{msgType: messageType, data: data})
	return nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, f := range c.written {
		if f.msgType == websocket.TextMessage {
			out = append(out, string(f.data))
		}
	}
	return out
}

func TestWSSessionCloseFlushesQueue(t *testing.T) {
	conn := newFakeConn()
	s := NewWSSession(context.Background(), "c1", "10.0.0.1", conn, Options{})

	require.NoError(t, s.Send([]byte(`{"type":"error","message":"uac"}`)))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.Equal(t, []string{`{"type":"error","message":"uac"}`}, conn.texts())
	assert.ErrorIs(t, s.Send([]byte("late")), network.ErrSessionClosed)
	assert.Error(t, s.Context().Err())
	assert.Equal(t, "c1", s.ID())
	assert.Equal(t, "10.0.0.1", s.RemoteIP())
}

func TestWSSessionQueueFull(t *testing.T) {
	conn := newFakeConn()
	conn.mu.Lock() // 阻塞写出，让队列堆积
	s := NewWSSession(context.Background(), "c1", "", conn, Options{SendQueueSize: 1})

	var err error
	for i := 0; i < 4 && err == nil; i++ {
		err = s.Send([]byte("x"))
	}
	assert.ErrorIs(t, err, network.ErrSendQueueFull)
	conn.mu.Unlock()
	_ = s.Close()
}

func TestWSSessionWriteErrorCancels(t *testing.T) {
	conn := newFakeConn()
	conn.writeErr = errors.New("broken pipe")
	s := NewWSSession(context.Background(), "c1", "", conn, Options{})

	require.NoError(t, s.Send([]byte("x")))
	assert.Eventually(t, func() bool { return s.Context().Err() != nil }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, s.Send([]byte("y")), network.ErrSessionClosed)
	_ = s.Close()
}

func TestWSSessionReadLoop(t *testing.T) {
	conn := newFakeConn()
	s := NewWSSession(context.Background(), "c1", "", conn, Options{})
	conn.inbound <- frame{msgType: websocket.TextMessage, data: []byte("a")}
	conn.inbound <- frame{msgType: websocket.PingMessage, data: []byte("skip")}
	conn.inbound <- frame{msgType: websocket.TextMessage, data: []byte("b")}

	got := make(chan string, 4)
	done := make(chan error, 1)
	go func() {
		done <- s.ReadLoop(func(p []byte) { got <- string(p) })
	}()

	assert.Equal(t, "a", <-got)
	assert.Equal(t, "b", <-got)
	require.NoError(t, s.Close())
	assert.NoError(t, <-done)
}

func TestManager(t *testing.T) {
	m := NewManager()
	a := NewWSSession(context.Background(), "a", "", newFakeConn(), Options{})
	b := NewWSSession(context.Background(), "b", "", newFakeConn(), Options{})

	require.NoError(t, m.Register(a))
	require.NoError(t, m.Register(b))
	assert.Error(t, m.Register(a))
	assert.Equal(t, 2, m.Count())

	got, ok := m.Get("a")
	assert.True(t, ok)
	assert.Equal(t, Session(a), got)

	m.Unregister("a")
	_, ok = m.Get("a")
	assert.False(t, ok)

	m.CloseAll()
	assert.Error(t, b.Context().Err())
}
