// Package gateway 将接入层的连接事件与上行消息对接到玩家会话、验证流程与好友目录。
package gateway

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lk2023060901/guessr-gateway/internal/friends"
	"github.com/lk2023060901/guessr-gateway/internal/league"
	network "github.com/lk2023060901/guessr-gateway/internal/network"
	"github.com/lk2023060901/guessr-gateway/internal/network/acceptor"
	"github.com/lk2023060901/guessr-gateway/internal/network/router"
	"github.com/lk2023060901/guessr-gateway/internal/network/serializer"
	"github.com/lk2023060901/guessr-gateway/internal/network/session"
	"github.com/lk2023060901/guessr-gateway/internal/player"
	"github.com/lk2023060901/guessr-gateway/internal/push"
	"github.com/lk2023060901/guessr-gateway/internal/registry"
	"github.com/lk2023060901/guessr-gateway/internal/store"
	"github.com/lk2023060901/guessr-gateway/internal/verify"
	"github.com/lk2023060901/guessr-gateway/pkg/log"
	"github.com/lk2023060901/guessr-gateway/pkg/metrics"
	"github.com/lk2023060901/guessr-gateway/pkg/util/merr"
)

// Config 为断线重连相关参数。
type Config struct {
	// Grace 为断线会话保留的时长。
	Grace time.Duration `mapstructure:"grace"`
	// PurgeInterval 为清理过期断线会话的周期。
	PurgeInterval time.Duration `mapstructure:"purgeInterval"`
}

func (c *Config) applyDefaults() {
	if c.Grace <= 0 {
		c.Grace = 5 * time.Minute
	}
	if c.PurgeInterval <= 0 {
		c.PurgeInterval = 10 * time.Second
	}
}

type Deps struct {
	Registry *registry.Registry
	Verifier *verify.Verifier
	Friends  *friends.Directory
	Channel  *push.Channel
	Users    store.UserStore
	Tiers    league.Resolver
}

// Gateway 实现 acceptor.Handler。
type Gateway struct {
	log.Binder

	cfg    Config
	deps   Deps
	router *router.Router
	now    func() time.Time
}

var _ acceptor.Handler = (*Gateway)(nil)

func New(cfg Config, deps Deps) (*Gateway, error) {
	cfg.applyDefaults()
	if deps.Tiers == nil {
		deps.Tiers = league.Default()
	}
	g := &Gateway{
		cfg:    cfg,
		deps:   deps,
		router: router.New(serializer.JSONSerializer{}),
		now:    time.Now,
	}
	g.SetLogger(log.With(log.FieldModule("gateway")))

	routes := map[string]router.Route{
		MsgVerify: {
			NewRequest: func() any { return &verify.Request{} },
			Handler:    g.handleVerify,
		},
		MsgScreen: {
			NewRequest: func() any { return &ScreenRequest{} },
			Handler:    g.handleScreen,
		},
		MsgPong: {
			NewRequest: func() any { return &PongRequest{} },
			Handler:    g.handlePong,
		},
		MsgGetFriends: {
			NewRequest: func() any { return &GetFriendsRequest{} },
			Handler:    g.handleGetFriends,
		},
	}
	for typ, route := range routes {
		if err := g.router.Register(typ, route); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Registry 返回在线会话注册表。
func (g *Gateway) Registry() *registry.Registry {
	return g.deps.Registry
}

func (g *Gateway) OnConnected(sess session.Session) {
	p := player.New(sess.ID(), sess.RemoteIP(), sess)
	if err := g.deps.Registry.Register(p); err != nil {
		g.Logger().Warn("register session failed", log.FieldSessionID(sess.ID()), zap.Error(err))
		_ = sess.Close()
		return
	}
	g.Logger().Debug("session connected", log.FieldSessionID(sess.ID()), zap.String("ip", sess.RemoteIP()))
}

func (g *Gateway) OnMessage(sess session.Session, payload []byte) {
	p, ok := g.deps.Registry.FindByID(sess.ID())
	if !ok {
		return
	}
	p.Touch(g.now())

	// 传输通道关闭不会取消正在进行的处理，只继承连接上下文中的日志信息。
	ctx := log.WithFields(context.WithoutCancel(sess.Context()), log.FieldSessionID(sess.ID()))
	if err := g.router.Handle(ctx, sess, payload); err != nil {
		fields := []zap.Field{log.FieldSessionID(sess.ID()), zap.Int32("code", merr.Code(err)), zap.Error(err)}
		// 客户端输入错误只记调试日志。
		if merr.GetErrorType(err) == merr.InputError {
			g.Logger().Debug("invalid message", fields...)
			return
		}
		g.Logger().RatedWarn(10, "handle message failed", fields...)
	}
}

func (g *Gateway) OnClosed(sess session.Session, err error) {
	g.disconnect(sess)
}

func (g *Gateway) OnError(sess session.Session, stage network.Stage, err error) {
	fields := []zap.Field{zap.String("stage", string(stage)), zap.Error(err)}
	if sess != nil {
		fields = append(fields, log.FieldSessionID(sess.ID()))
	}
	g.Logger().RatedWarn(10, "transport error", fields...)
}

// disconnect 在传输断开后处理会话：带账号的会话进入断线表等待重连，其余会话直接清理。
func (g *Gateway) disconnect(sess session.Session) {
	p, ok := g.deps.Registry.FindByID(sess.ID())
	if !ok {
		return
	}
	if t := p.Transport(); t == nil || any(t) != any(sess) {
		return
	}
	now := g.now()
	logger := g.Logger().With(log.FieldSessionID(sess.ID()), log.FieldAccountID(p.AccountID()))

	if p.AccountID() != "" {
		t, err := g.deps.Registry.MoveToDisconnected(p, now)
		if err == nil {
			_ = t.Close()
			logger.Info("session disconnected, waiting for reconnect")
			return
		}
		logger.Debug("session cannot wait for reconnect", zap.Error(err))
	}

	g.deps.Registry.Unregister(sess.ID())
	if t := p.Detach(now); t != nil {
		_ = t.Close()
	}
	metrics.GatewayPurgedSessions.WithLabelValues(purgeReason(p)).Inc()
	logger.Debug("session closed")
}

// purgeReason 区分直接清理的会话：未验证、游客，以及带账号但未占用账号索引（重复登录失败）。
func purgeReason(p *player.Session) string {
	switch {
	case !p.Verified():
		return metrics.PurgeReasonUnverified
	case p.AccountID() != "":
		return metrics.PurgeReasonRejected
	}
	return metrics.PurgeReasonGuest
}

// Run 周期性清理超过重连宽限期的断线会话，直到 ctx 结束。
func (g *Gateway) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.cfg.PurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			g.purge(g.now())
		}
	}
}

func (g *Gateway) purge(now time.Time) []*player.Session {
	purged := g.deps.Registry.PurgeExpired(now, g.cfg.Grace)
	for _, p := range purged {
		metrics.GatewayPurgedSessions.WithLabelValues(metrics.PurgeReasonExpired).Inc()
		g.Logger().Info("reconnect window expired",
			log.FieldSessionID(p.ID()), log.FieldAccountID(p.AccountID()), zap.String("gameID", p.GameID()))
	}
	return purged
}

// SetRating 更新会话的积分与段位，写回存储并通知客户端。没有账号的会话不处理。
func (g *Gateway) SetRating(ctx context.Context, p *player.Session, elo int) error {
	account := p.AccountID()
	if account == "" {
		return nil
	}
	tier := g.deps.Tiers.Resolve(elo)
	p.SetRating(elo, tier.Name)
	g.deps.Channel.Send(p, push.NewElo(elo, tier))
	return g.deps.Users.SetRating(ctx, account, elo)
}

func (g *Gateway) lookup(sess session.Session) (*player.Session, error) {
	p, ok := g.deps.Registry.FindByID(sess.ID())
	if !ok {
		return nil, merr.WrapErrSessionNotFound(sess.ID())
	}
	return p, nil
}

func (g *Gateway) handleVerify(ctx context.Context, sess session.Session, req any) error {
	p, err := g.lookup(sess)
	if err != nil {
		return err
	}
	state := g.deps.Verifier.Verify(ctx, p, *req.(*verify.Request))
	log.Ctx(ctx).Debug("verify finished", zap.Stringer("state", state))
	return nil
}

func (g *Gateway) handleScreen(_ context.Context, sess session.Session, req any) error {
	p, err := g.lookup(sess)
	if err != nil {
		return err
	}
	screen := req.(*ScreenRequest).Screen
	if !p.SetScreen(screen) {
		return merr.WrapErrParameterInvalidMsg("unknown screen %q", screen)
	}
	return nil
}

func (g *Gateway) handlePong(_ context.Context, sess session.Session, _ any) error {
	p, err := g.lookup(sess)
	if err != nil {
		return err
	}
	p.Pong(g.now())
	return nil
}

func (g *Gateway) handleGetFriends(_ context.Context, sess session.Session, _ any) error {
	p, err := g.lookup(sess)
	if err != nil {
		return err
	}
	g.deps.Friends.SendFriendData(p)
	return nil
}
