// Package identity 将客户端提交的不透明凭证解析为用户文档。
package identity

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/guessr-gateway/internal/store"
	"github.com/lk2023060901/guessr-gateway/pkg/util/merr"
)

// Resolver 解析凭证。凭证无效时返回 merr.ErrCredentialInvalid。
type Resolver interface {
	Resolve(ctx context.Context, credential string) (*store.User, error)
}

// SecretResolver 将凭证视为存储在用户文档中的 secret。
type SecretResolver struct {
	users store.UserStore
}

var _ Resolver = (*SecretResolver)(nil)

func NewSecretResolver(users store.UserStore) *SecretResolver {
	return &SecretResolver{users: users}
}

func (r *SecretResolver) Resolve(ctx context.Context, credential string) (*store.User, error) {
	if credential == "" {
		return nil, merr.WrapErrCredentialInvalid("empty secret")
	}
	u, err := r.users.FindBySecret(ctx, credential)
	if errors.Is(err, merr.ErrUserNotFound) {
		return nil, merr.WrapErrCredentialInvalid("unknown secret")
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}
