package session

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"

	network "github.com/lk2023060901/guessr-gateway/internal/network"
)

// Conn 是 WSSession 依赖的 WebSocket 连接能力，*websocket.Conn 满足该接口。
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Options 控制 WSSession 的读写行为。
type Options struct {
	SendQueueSize int
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
}

// defaultSendQueueSize 为每个会话的发送队列容量。
const defaultSendQueueSize = 256

// WSSession 是基于 WebSocket 文本帧的 Session 实现。
//
// 所有写操作都在 sendLoop 协程中串行执行，
// 避免多个 goroutine 并发写 conn 导致帧交叉。
type WSSession struct {
	id       string
	remoteIP string

	ctx    context.Context
	cancel context.CancelFunc

	conn Conn
	opts Options

	sendQueue chan []byte

	// closing 在 Close 时关闭，通知 sendLoop 清空队列后退出。
	closing   chan struct{}
	closeOnce sync.Once
	loopDone  chan struct{}
	closeErr  error
}

var _ Session = (*WSSession)(nil)

// NewWSSession 创建会话并启动发送协程。
func NewWSSession(parent context.Context, id string, remoteIP string, conn Conn, opts Options) *WSSession {
	if parent == nil {
		parent = context.Background()
	}
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = defaultSendQueueSize
	}
	ctx, cancel := context.WithCancel(parent)

	s := &WSSession{
		id:        id,
		remoteIP:  remoteIP,
		ctx:       ctx,
		cancel:    cancel,
		conn:      conn,
		opts:      opts,
		sendQueue: make(chan []byte, opts.SendQueueSize),
		closing:   make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
	go s.sendLoop()
	return s
}

func (s *WSSession) ID() string {
	return s.id
}

func (s *WSSession) Context() context.Context {
	return s.ctx
}

func (s *WSSession) RemoteIP() string {
	return s.remoteIP
}

// Send 实现 Session.Send。
func (s *WSSession) Send(payload []byte) error {
	select {
	case <-s.closing:
		return network.ErrSessionClosed
	case <-s.ctx.Done():
		return network.ErrSessionClosed
	default:
	}

	select {
	case s.sendQueue <- payload:
		return nil
	default:
		return errors.Wrapf(network.ErrSendQueueFull, "session %s", s.id)
	}
}

// Close 实现 Session.Close。
func (s *WSSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		// 等待 sendLoop 写出剩余消息。
		<-s.loopDone
		s.cancel()
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// ReadLoop 持续读取文本帧并交给 fn 处理，直到连接出错或会话关闭。
// 正常关闭时返回 nil。
func (s *WSSession) ReadLoop(fn func(payload []byte)) error {
	for {
		if s.opts.ReadTimeout > 0 {
			if err := s.conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout)); err != nil {
				return errors.Mark(err, network.ErrRecvFailed)
			}
		}

		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return errors.Mark(err, network.ErrRecvFailed)
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		fn(data)
	}
}

func (s *WSSession) sendLoop() {
	defer close(s.loopDone)

	for {
		select {
		case payload := <-s.sendQueue:
			if err := s.write(payload); err != nil {
				s.cancel()
				return
			}
		case <-s.ctx.Done():
			return
		case <-s.closing:
			s.drain()
			return
		}
	}
}

// drain 写出关闭前已入队的消息，并尝试发送关闭帧。
func (s *WSSession) drain() {
	for {
		select {
		case payload := <-s.sendQueue:
			if err := s.write(payload); err != nil {
				return
			}
		default:
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *WSSession) write(payload []byte) error {
	if s.opts.WriteTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
			return err
		}
	}
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}
