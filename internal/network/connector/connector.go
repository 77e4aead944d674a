package connector

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"

	network "github.com/lk2023060901/guessr-gateway/internal/network"
	"github.com/lk2023060901/guessr-gateway/internal/network/serializer"
	"github.com/lk2023060901/guessr-gateway/pkg/util/conc"
)

// Config 为客户端连接配置。
type Config struct {
	SendQueueSize int
	RecvQueueSize int

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// Serializer 用于编码 Send 的消息，默认使用 JSON。
	Serializer serializer.Serializer
}

func defaultConfig() Config {
	return Config{
		SendQueueSize:    64,
		RecvQueueSize:    256,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		Serializer:       serializer.JSONSerializer{},
	}
}

// ClientConn 表示一条客户端 WebSocket 连接。
type ClientConn struct {
	conn *websocket.Conn
	cfg  Config

	ctx    context.Context
	cancel context.CancelFunc

	sendChan chan []byte
	recvChan chan []byte

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// Dial 连接到 urlStr 指向的网关。
func Dial(ctx context.Context, urlStr string, header http.Header, cfg Config) (*ClientConn, error) {
	def := defaultConfig()
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}
	if cfg.RecvQueueSize <= 0 {
		cfg.RecvQueueSize = def.RecvQueueSize
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.Serializer == nil {
		cfg.Serializer = def.Serializer
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, urlStr, header)
	if err != nil {
		return nil, errors.Wrapf(err, "connector: dial %s", urlStr)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c := &ClientConn{
		conn:     conn,
		cfg:      cfg,
		ctx:      connCtx,
		cancel:   cancel,
		sendChan: make(chan []byte, cfg.SendQueueSize),
		recvChan: make(chan []byte, cfg.RecvQueueSize),
	}

	conc.Go(func() (struct{}, error) {
		c.recvLoop()
		return struct{}{}, nil
	})
	conc.Go(func() (struct{}, error) {
		c.sendLoop()
		return struct{}{}, nil
	})
	return c, nil
}

// Context 在连接关闭后被取消。
func (c *ClientConn) Context() context.Context { return c.ctx }

// Recv 返回收到的消息，连接关闭后通道被关闭。
func (c *ClientConn) Recv() <-chan []byte { return c.recvChan }

// Err 返回导致连接关闭的错误，正常关闭时为 nil。
func (c *ClientConn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Send 编码 msg 并投递到发送队列。
func (c *ClientConn) Send(msg any) error {
	data, err := c.cfg.Serializer.Marshal(msg)
	if err != nil {
		return err
	}
	return c.SendRaw(data)
}

// SendRaw 直接投递已编码的消息。
func (c *ClientConn) SendRaw(data []byte) error {
	select {
	case <-c.ctx.Done():
		return network.ErrSessionClosed
	case c.sendChan <- data:
		return nil
	}
}

// Close 主动关闭连接。
func (c *ClientConn) Close() error {
	return c.close(nil)
}

func (c *ClientConn) close(cause error) error {
	var err error
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = cause
		c.errMu.Unlock()

		c.cancel()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

func (c *ClientConn) recvLoop() {
	defer close(c.recvChan)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				_ = c.close(errors.Mark(err, network.ErrRecvFailed))
			} else {
				_ = c.close(nil)
			}
			return
		}

		select {
		case c.recvChan <- data:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *ClientConn) sendLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.sendChan:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				_ = c.close(err)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = c.close(err)
				return
			}
		}
	}
}
