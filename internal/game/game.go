// Package game 提供网关可见的对局注册表。对局规则不在网关内实现。
package game

import (
	"sync"

	"github.com/lk2023060901/guessr-gateway/internal/player"
	"github.com/lk2023060901/guessr-gateway/pkg/util/merr"
)

// Game 是一个进行中的对局。
type Game interface {
	ID() string
	// Rejoin 将重连后的会话重新接入对局。
	Rejoin(s *player.Session)
}

// Registry 按 ID 查找进行中的对局。
type Registry interface {
	Get(gameID string) (Game, bool)
}

// Table 是 Registry 的进程内实现，由对局组件维护。
type Table struct {
	mu    sync.RWMutex
	games map[string]Game
}

var _ Registry = (*Table)(nil)

func NewTable() *Table {
	return &Table{games: make(map[string]Game)}
}

func (t *Table) Add(g Game) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.games[g.ID()]; ok {
		return merr.WrapErrParameterInvalidMsg("game %s already exists", g.ID())
	}
	t.games[g.ID()] = g
	return nil
}

func (t *Table) Remove(gameID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.games, gameID)
}

func (t *Table) Get(gameID string) (Game, bool) {
	if gameID == "" {
		return nil, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	g, ok := t.games[gameID]
	return g, ok
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.games)
}

// Join 将会话关联到对局，Rejoin 之外的入局流程由对局组件负责。
func Join(g Game, s *player.Session) {
	s.SetQueued(false)
	s.SetGameID(g.ID())
}

// Leave 清除会话的对局关联。
func Leave(s *player.Session) {
	s.SetGameID("")
}
