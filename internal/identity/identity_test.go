package identity

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/guessr-gateway/internal/store"
	"github.com/lk2023060901/guessr-gateway/pkg/util/merr"
)

func newUsers() *store.MemoryStore {
	return store.NewMemoryStore(&store.User{ID: "u1", Secret: "s1", Username: "alice"})
}

func TestSecretResolver(t *testing.T) {
	r := NewSecretResolver(newUsers())
	ctx := context.Background()

	u, err := r.Resolve(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)

	_, err = r.Resolve(ctx, "bad")
	assert.ErrorIs(t, err, merr.ErrCredentialInvalid)
	_, err = r.Resolve(ctx, "")
	assert.ErrorIs(t, err, merr.ErrCredentialInvalid)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = r.Resolve(canceled, "s1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestJWTResolver(t *testing.T) {
	cfg := JWTConfig{Key: []byte("0123456789abcdef"), Issuer: "guessr-login"}
	r, err := NewJWTResolver(cfg, newUsers(), nil)
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Now()

	token, err := Sign(cfg, "u1", time.Hour, now)
	require.NoError(t, err)
	u, err := r.Resolve(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)

	expired, err := Sign(cfg, "u1", time.Hour, now.Add(-2*time.Hour))
	require.NoError(t, err)
	_, err = r.Resolve(ctx, expired)
	assert.ErrorIs(t, err, merr.ErrCredentialInvalid)

	other := cfg
	other.Issuer = "someone-else"
	foreign, err := Sign(other, "u1", time.Hour, now)
	require.NoError(t, err)
	_, err = r.Resolve(ctx, foreign)
	assert.ErrorIs(t, err, merr.ErrCredentialInvalid)

	unknown, err := Sign(cfg, "u404", time.Hour, now)
	require.NoError(t, err)
	_, err = r.Resolve(ctx, unknown)
	assert.ErrorIs(t, err, merr.ErrCredentialInvalid)

	_, err = r.Resolve(ctx, "not-a-token")
	assert.ErrorIs(t, err, merr.ErrCredentialInvalid)
}

func TestJWTResolverRequiresKey(t *testing.T) {
	_, err := NewJWTResolver(JWTConfig{}, newUsers(), nil)
	assert.ErrorIs(t, err, merr.ErrParameterMissing)
}

// 黑名单检查失败时不影响登录。
func TestJWTResolverIgnoresUnavailableBlacklist(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	cfg := JWTConfig{Key: []byte("0123456789abcdef")}
	r, err := NewJWTResolver(cfg, newUsers(), rdb)
	require.NoError(t, err)

	token, err := Sign(cfg, "u1", time.Minute, time.Now())
	require.NoError(t, err)
	u, err := r.Resolve(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)
}
