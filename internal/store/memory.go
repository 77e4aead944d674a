package store

import (
	"context"
	"sync"

	"github.com/lk2023060901/guessr-gateway/pkg/util/merr"
)

// MemoryStore 是进程内的 UserStore，用于测试与本地调试。
type MemoryStore struct {
	mu       sync.RWMutex
	byID     map[string]*User
	bySecret map[string]string
}

var _ UserStore = (*MemoryStore)(nil)

func NewMemoryStore(users ...*User) *MemoryStore {
	m := &MemoryStore{
		byID:     make(map[string]*User),
		bySecret: make(map[string]string),
	}
	for _, u := range users {
		m.Put(u)
	}
	return m
}

// Put 插入或覆盖一个用户。
func (m *MemoryStore) Put(u *User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.byID[u.ID]; ok && old.Secret != "" {
		delete(m.bySecret, old.Secret)
	}
	m.byID[u.ID] = cloneUser(u)
	if u.Secret != "" {
		m.bySecret[u.Secret] = u.ID
	}
}

func (m *MemoryStore) FindByID(ctx context.Context, id string) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.byID[id]
	if !ok {
		return nil, merr.WrapErrUserNotFound(id)
	}
	return cloneUser(u), nil
}

func (m *MemoryStore) FindBySecret(ctx context.Context, secret string) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.bySecret[secret]
	if !ok {
		return nil, merr.WrapErrUserNotFound("secret")
	}
	return cloneUser(m.byID[id]), nil
}

func (m *MemoryStore) UpdateLogin(ctx context.Context, id string, update LoginUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return merr.WrapErrUserNotFound(id)
	}
	u.TimeZone = update.TimeZone
	u.LastLogin = update.LastLogin
	u.Streak = update.Streak
	u.FirstLoginComplete = true
	return nil
}

func (m *MemoryStore) SetRating(ctx context.Context, id string, elo int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return merr.WrapErrUserNotFound(id)
	}
	u.Elo = elo
	return nil
}
