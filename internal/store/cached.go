package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lk2023060901/guessr-gateway/internal/json"
	"github.com/lk2023060901/guessr-gateway/pkg/log"
)

// RedisConfig 为用户缓存配置，Addr 为空时不启用缓存。
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

const (
	defaultCacheTTL = time.Minute
	userKeyPrefix   = "guessr:user:"
)

// CachedStore 在 UserStore 前加一层 Redis 读缓存。
//
// 只缓存按 ID 的查询；写操作先写后端再删除缓存。
// Redis 不可用时直接访问后端存储。
type CachedStore struct {
	log.Binder

	backend UserStore
	rdb     redis.Cmdable
	ttl     time.Duration
}

var _ UserStore = (*CachedStore)(nil)

// NewRedisClient 根据配置创建 Redis 客户端。
func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func NewCachedStore(backend UserStore, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	c := &CachedStore{backend: backend, rdb: rdb, ttl: ttl}
	c.SetLogger(log.With(log.FieldComponent("user-cache")))
	return c
}

func userKey(id string) string {
	return userKeyPrefix + id
}

func (c *CachedStore) FindByID(ctx context.Context, id string) (*User, error) {
	data, err := c.rdb.Get(ctx, userKey(id)).Bytes()
	switch {
	case err == nil:
		u := &User{}
		if err := json.Unmarshal(data, u); err == nil {
			return u, nil
		}
	case !errors.Is(err, redis.Nil):
		c.Logger().RatedWarn(30, "user cache unavailable", zap.Error(err))
	}

	u, err := c.backend.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	c.fill(ctx, u)
	return u, nil
}

func (c *CachedStore) FindBySecret(ctx context.Context, secret string) (*User, error) {
	u, err := c.backend.FindBySecret(ctx, secret)
	if err != nil {
		return nil, err
	}
	c.fill(ctx, u)
	return u, nil
}

func (c *CachedStore) UpdateLogin(ctx context.Context, id string, update LoginUpdate) error {
	if err := c.backend.UpdateLogin(ctx, id, update); err != nil {
		return err
	}
	c.invalidate(ctx, id)
	return nil
}

func (c *CachedStore) SetRating(ctx context.Context, id string, elo int) error {
	if err := c.backend.SetRating(ctx, id, elo); err != nil {
		return err
	}
	c.invalidate(ctx, id)
	return nil
}

func (c *CachedStore) fill(ctx context.Context, u *User) {
	data, err := json.Marshal(u)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, userKey(u.ID), data, c.ttl).Err(); err != nil {
		c.Logger().RatedWarn(30, "fill user cache failed", zap.Error(err))
	}
}

func (c *CachedStore) invalidate(ctx context.Context, id string) {
	if err := c.rdb.Del(ctx, userKey(id)).Err(); err != nil {
		c.Logger().RatedWarn(30, "invalidate user cache failed", zap.String("id", id), zap.Error(err))
	}
}
