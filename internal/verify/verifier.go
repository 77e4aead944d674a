// Package verify 实现连接接入后的身份验证流程：游客、账号登录、断线重连合并以及重复登录拒绝。
package verify

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/guessr-gateway/internal/friends"
	"github.com/lk2023060901/guessr-gateway/internal/game"
	"github.com/lk2023060901/guessr-gateway/internal/identity"
	"github.com/lk2023060901/guessr-gateway/internal/league"
	"github.com/lk2023060901/guessr-gateway/internal/player"
	"github.com/lk2023060901/guessr-gateway/internal/push"
	"github.com/lk2023060901/guessr-gateway/internal/registry"
	"github.com/lk2023060901/guessr-gateway/internal/store"
	"github.com/lk2023060901/guessr-gateway/pkg/log"
	"github.com/lk2023060901/guessr-gateway/pkg/metrics"
	"github.com/lk2023060901/guessr-gateway/pkg/util/lock"
	"github.com/lk2023060901/guessr-gateway/pkg/util/merr"
)

// NotLoggedIn 是客户端未登录时上报的占位凭证。
const NotLoggedIn = "not_logged_in"

const defaultTimeout = 10 * time.Second

// Request 为 verify 消息的内容。
type Request struct {
	Secret string `json:"secret,omitempty"`
	TZ     string `json:"tz,omitempty"`
}

// CodeFunc 返回一个六位数字，用于生成游客名。
type CodeFunc func() int

func randomCode() int {
	return 100000 + rand.Intn(900000)
}

// Config 为验证流程的参数。
type Config struct {
	// Timeout 为凭证解析的最长耗时，超时按凭证无效处理。
	Timeout time.Duration `mapstructure:"timeout"`
}

// Deps 为验证流程依赖的组件。
type Deps struct {
	Resolver identity.Resolver
	Users    store.UserStore
	Registry *registry.Registry
	Games    game.Registry
	Friends  *friends.Directory
	Channel  *push.Channel
	Tiers    league.Resolver
}

type Option func(v *Verifier)

// WithCodeFunc 替换游客编号生成函数。
func WithCodeFunc(fn CodeFunc) Option {
	return func(v *Verifier) {
		v.code = fn
	}
}

// WithClock 替换当前时间来源。
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		v.now = now
	}
}

// Verifier 执行 verify 消息。
//
// 同一账号的验证由按账号的互斥锁串行化：锁在凭证解析之后、重连判断之前获取，
// 在提交或放弃之后释放。
type Verifier struct {
	log.Binder

	cfg   Config
	deps  Deps
	locks *lock.KeyLock[string]
	code  CodeFunc
	now   func() time.Time
}

func New(cfg Config, deps Deps, opts ...Option) *Verifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if deps.Tiers == nil {
		deps.Tiers = league.Default()
	}
	v := &Verifier{
		cfg:   cfg,
		deps:  deps,
		locks: lock.NewKeyLock[string](),
		code:  randomCode,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	v.SetLogger(log.With(log.FieldModule("gateway"), log.FieldComponent("verify")))
	return v
}

// Verify 处理一条 verify 消息并返回会话最终所处的状态。
func (v *Verifier) Verify(ctx context.Context, s *player.Session, req Request) State {
	start := v.now()
	ctx, span := log.WithIntent(ctx, "verify", "Verify")
	defer span.End()

	var state State
	if req.Secret == "" || req.Secret == NotLoggedIn {
		state = v.verifyGuest(s)
	} else {
		state = v.verifyAccount(ctx, s, req)
	}

	metrics.GatewayVerifyTotal.WithLabelValues(state.String()).Inc()
	metrics.GatewayVerifyLatency.WithLabelValues(state.String()).
		Observe(float64(v.now().Sub(start).Milliseconds()))
	return state
}

func (v *Verifier) verifyGuest(s *player.Session) State {
	code := v.code() % 1000000
	if code < 0 {
		code = -code
	}
	name := "Guest #" + fmt.Sprintf("%06d", code)[:4]
	if !s.MarkGuest(name) {
		// 已验证的会话重复发送游客 verify 不做任何处理。
		return current(s)
	}
	v.deps.Channel.Send(s, push.NewVerify(name))
	v.deps.Channel.Send(s, push.NewCount(v.deps.Registry.Count()))
	return GuestVerified
}

func current(s *player.Session) State {
	switch {
	case s.AccountID() != "":
		return Authenticated
	case s.Verified():
		return GuestVerified
	}
	return Unverified
}

func (v *Verifier) verifyAccount(ctx context.Context, s *player.Session, req Request) State {
	if s.AccountID() != "" {
		return Authenticated
	}
	logger := log.Ctx(ctx).With(log.FieldSessionID(s.ID()))

	// PendingAuth
	u, err := v.resolve(ctx, req.Secret)
	if err != nil {
		logger.Info("failed to login", zap.String("ip", s.IP()), zap.Error(err))
		v.reject(s, push.NewLoginFailed())
		return Rejected
	}
	logger = logger.With(log.FieldAccountID(u.ID))

	lockStart := time.Now()
	v.locks.Lock(u.ID)
	metrics.LockCosts.WithLabelValues("account", "acquire").Set(float64(time.Since(lockStart).Milliseconds()))
	state, stored := v.settle(s, u, logger)
	v.locks.Unlock(u.ID)

	switch state {
	case ReconnectMerged:
		v.rejoin(stored, logger)
	case Authenticated:
		v.recordLogin(ctx, s, u, req.TZ, logger)
		hctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
		if err := v.deps.Friends.Hydrate(hctx, s, u); err != nil {
			logger.Warn("hydrate friends failed", zap.Error(err))
		}
		cancel()
	}
	return state
}

func (v *Verifier) resolve(ctx context.Context, secret string) (*store.User, error) {
	rctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()

	u, err := v.deps.Resolver.Resolve(rctx, secret)
	if err != nil {
		if merr.IsCanceledOrTimeout(err) {
			return nil, merr.WrapErrServiceTimeout("resolve credential", v.cfg.Timeout)
		}
		return nil, err
	}
	return u, nil
}

// settle 在持有账号锁时依次尝试重连合并、重复登录检查与提交。
func (v *Verifier) settle(s *player.Session, u *store.User, logger *log.MLogger) (State, *player.Session) {
	stored, ok, err := v.deps.Registry.Merge(s, u.ID, v.now())
	if err != nil {
		logger.Warn("reconnect merge failed", zap.Error(err))
		return Rejected, nil
	}
	if ok {
		logger.Info("reconnecting player", zap.String("username", u.Username))
		v.deps.Channel.Send(stored, push.NewVerify(""))
		return ReconnectMerged, stored
	}

	if incumbent, ok := v.deps.Registry.FindByAccountID(u.ID); ok {
		logger.Info("user already connected", zap.String("incumbent", incumbent.ID()))
		v.reject(s, push.NewAlreadyConnected())
		return DuplicateRejected, nil
	}

	rating := u.Elo
	s.Authenticate(player.Identity{
		AccountID: u.ID,
		Username:  u.Username,
		Supporter: u.Supporter,
		Banned:    u.Banned,
		Rating:    &rating,
		Tier:      v.deps.Tiers.Resolve(rating).Name,
	})
	if err := v.deps.Registry.BindAccount(s); err != nil {
		if errors.Is(err, merr.ErrDuplicateSession) {
			logger.Info("lost account binding", zap.Error(err))
			v.reject(s, push.NewAlreadyConnected())
			return DuplicateRejected, nil
		}
		logger.Warn("bind account failed", zap.Error(err))
		return Rejected, nil
	}
	v.deps.Channel.Send(s, push.NewVerify(""))
	v.deps.Channel.Send(s, push.NewCount(v.deps.Registry.Count()))
	return Authenticated, nil
}

func (v *Verifier) rejoin(s *player.Session, logger *log.MLogger) {
	gameID := s.GameID()
	if gameID == "" {
		return
	}
	g, ok := v.deps.Games.Get(gameID)
	if !ok {
		logger.Info("skip rejoin", zap.Error(merr.WrapErrReconnectTargetStale(gameID)))
		return
	}
	g.Rejoin(s)
	metrics.GatewayRejoinTotal.Inc()
	v.deps.Channel.Send(s, push.NewToast("success", "reconnected"))
}

// recordLogin 在客户端时区有效时更新连续登录天数并写回登录统计。
func (v *Verifier) recordLogin(ctx context.Context, s *player.Session, u *store.User, tz string, logger *log.MLogger) {
	loc, err := LoadTimezone(tz)
	if err != nil {
		logger.Debug("skip login stats", zap.Error(err))
		return
	}
	now := v.now()
	streak, changed := ComputeStreak(u, loc, now)
	if changed {
		v.deps.Channel.Send(s, push.NewStreak(streak))
	}
	uctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()
	err = v.deps.Users.UpdateLogin(uctx, u.ID, store.LoginUpdate{
		TimeZone:  tz,
		LastLogin: now,
		Streak:    streak,
	})
	if err != nil {
		logger.Warn("persist login stats failed", zap.Error(err))
	}
}

func (v *Verifier) reject(s *player.Session, ev push.Event) {
	v.deps.Channel.Send(s, ev)
	if t := s.Transport(); t != nil {
		_ = t.Close()
	}
}
