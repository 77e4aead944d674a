package acceptor

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	network "github.com/lk2023060901/guessr-gateway/internal/network"
	"github.com/lk2023060901/guessr-gateway/internal/network/session"
	"github.com/lk2023060901/guessr-gateway/pkg/log"
	"github.com/lk2023060901/guessr-gateway/pkg/util/logutil"
)

// Config 为 WebSocket 接入层配置。
type Config struct {
	Addr string
	Path string

	SendQueueSize int
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration

	// AllowAnyOrigin 为 true 时不校验 Origin 头。
	AllowAnyOrigin bool
}

func defaultConfig() Config {
	return Config{
		Addr:          ":8080",
		Path:          "/ws",
		SendQueueSize: 256,
		WriteTimeout:  10 * time.Second,
	}
}

// Handler 为接入层回调，由业务层实现。
//
// 同一会话上的 OnConnected、OnMessage、OnClosed 按顺序在同一个 goroutine 中调用。
type Handler interface {
	OnConnected(sess session.Session)
	OnMessage(sess session.Session, payload []byte)
	OnClosed(sess session.Session, err error)
	OnError(sess session.Session, stage network.Stage, err error)
}

// Acceptor 通过 HTTP 升级接收 WebSocket 连接。
type Acceptor struct {
	cfg      Config
	upgrader websocket.Upgrader
	handler  Handler
	sessions *session.Manager

	ctx    context.Context
	cancel context.CancelFunc

	wg     sync.WaitGroup
	server *http.Server
	logger *log.MLogger
}

var _ http.Handler = (*Acceptor)(nil)

// New 创建接入层，缺省字段使用默认值。
func New(cfg Config, h Handler) *Acceptor {
	def := defaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if h == nil {
		panic("acceptor: handler is nil")
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Acceptor{
		cfg:      cfg,
		handler:  h,
		sessions: session.NewManager(),
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.With(log.FieldComponent("acceptor")),
	}
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	if cfg.AllowAnyOrigin {
		a.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
	return a
}

// Sessions 返回当前存活的传输层会话表。
func (a *Acceptor) Sessions() *session.Manager {
	return a.sessions
}

// Serve 在 ln 上提供服务，直到 ctx 结束或监听出错。
func (a *Acceptor) Serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Path, a)
	a.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.Serve(ln)
	}()
	a.logger.Info("acceptor serving", zap.String("addr", ln.Addr().String()), zap.String("path", a.cfg.Path))

	select {
	case <-ctx.Done():
		return a.Close()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// ListenAndServe 监听 cfg.Addr 并提供服务。
func (a *Acceptor) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, "acceptor: listen %s", a.cfg.Addr)
	}
	return a.Serve(ctx, ln)
}

// Close 停止接收新连接，关闭全部会话并等待连接协程退出。
func (a *Acceptor) Close() error {
	a.cancel()
	var err error
	if a.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = a.server.Shutdown(shutdownCtx)
	}
	a.sessions.CloseAll()
	a.wg.Wait()
	return err
}

// ServeHTTP 完成 WebSocket 升级，并在当前 goroutine 中驱动会话读循环。
func (a *Acceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if a.ctx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已经写出了 HTTP 错误响应。
		a.handler.OnError(nil, network.StageUpgrade, errors.Mark(err, network.ErrUpgradeFailed))
		return
	}

	a.wg.Add(1)
	defer a.wg.Done()

	sess := session.NewWSSession(logutil.WithRequestHeader(a.ctx, r.Header), uuid.NewString(), clientIP(r), conn, session.Options{
		SendQueueSize: a.cfg.SendQueueSize,
		ReadTimeout:   a.cfg.ReadTimeout,
		WriteTimeout:  a.cfg.WriteTimeout,
	})
	if err := a.sessions.Register(sess); err != nil {
		a.handler.OnError(sess, network.StageUpgrade, err)
		_ = sess.Close()
		return
	}
	defer a.sessions.Unregister(sess.ID())

	a.handler.OnConnected(sess)

	cause := sess.ReadLoop(func(payload []byte) {
		a.handler.OnMessage(sess, payload)
	})
	if cause != nil {
		a.handler.OnError(sess, network.StageRecvRaw, cause)
	}
	_ = sess.Close()
	a.handler.OnClosed(sess, cause)
}

// clientIP 优先使用反向代理头中的地址。
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return strings.TrimSpace(real)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
