package identity

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lk2023060901/guessr-gateway/internal/store"
	"github.com/lk2023060901/guessr-gateway/pkg/log"
	"github.com/lk2023060901/guessr-gateway/pkg/util/merr"
)

const blacklistPrefix = "guessr:blacklist:"

// Claims 为登录服务签发的令牌声明，Subject 为账号 ID。
type Claims struct {
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// JWTConfig 为 HMAC 签名令牌的校验参数。
type JWTConfig struct {
	Key    []byte
	Issuer string
	Leeway time.Duration
}

// JWTResolver 校验 HS256 令牌，再按 Subject 读取用户文档。
//
// 配置了 Redis 时会检查令牌 ID 或账号 ID 是否被拉黑；Redis 不可用时不影响登录。
type JWTResolver struct {
	log.Binder

	cfg   JWTConfig
	users store.UserStore
	rdb   redis.Cmdable
}

var _ Resolver = (*JWTResolver)(nil)

func NewJWTResolver(cfg JWTConfig, users store.UserStore, rdb redis.Cmdable) (*JWTResolver, error) {
	if len(cfg.Key) == 0 {
		return nil, merr.WrapErrParameterMissing("identity.jwtKey")
	}
	r := &JWTResolver{cfg: cfg, users: users, rdb: rdb}
	r.SetLogger(log.With(log.FieldComponent("jwt-resolver")))
	return r, nil
}

func (r *JWTResolver) Resolve(ctx context.Context, credential string) (*store.User, error) {
	claims, err := r.parse(credential)
	if err != nil {
		return nil, merr.WrapErrCredentialInvalid(err.Error())
	}
	if claims.Subject == "" {
		return nil, merr.WrapErrCredentialInvalid("token has no subject")
	}
	if r.blacklisted(ctx, claims) {
		return nil, merr.WrapErrCredentialInvalid("token revoked")
	}

	u, err := r.users.FindByID(ctx, claims.Subject)
	if errors.Is(err, merr.ErrUserNotFound) {
		return nil, merr.WrapErrCredentialInvalid("unknown subject")
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (r *JWTResolver) parse(token string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(r.cfg.Leeway),
	}
	if r.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(r.cfg.Issuer))
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return r.cfg.Key, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func (r *JWTResolver) blacklisted(ctx context.Context, claims *Claims) bool {
	if r.rdb == nil {
		return false
	}
	keys := []string{blacklistPrefix + claims.Subject}
	if claims.ID != "" {
		keys = append(keys, blacklistPrefix+claims.ID)
	}
	n, err := r.rdb.Exists(ctx, keys...).Result()
	if err != nil {
		r.Logger().RatedWarn(30, "check token blacklist failed", zap.Error(err))
		return false
	}
	return n > 0
}

// Sign 使用同一配置签发令牌，供登录服务与测试使用。
func Sign(cfg JWTConfig, accountID string, ttl time.Duration, now time.Time) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(cfg.Key)
}
