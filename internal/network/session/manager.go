package session

import (
	"sync"

	"github.com/cockroachdb/errors"
)

// Manager 跟踪当前所有存活的传输层会话，
// 供接入层在关闭时统一断开连接。
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]Session),
	}
}

// Register 注册会话，ID 重复时返回错误。
func (m *Manager) Register(sess Session) error {
	if sess == nil {
		return nil
	}
	id := sess.ID()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[id]; exists {
		return errors.Newf("session: id %s already registered", id)
	}
	m.sessions[id] = sess
	return nil
}

func (m *Manager) Get(id string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[id]
	return sess, ok
}

// Unregister 移除会话，不存在时忽略。
func (m *Manager) Unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// Range 在快照上遍历会话，回调中可以安全地调用 Register/Unregister。
func (m *Manager) Range(fn func(sess Session) bool) {
	m.mu.RLock()
	snapshot := make([]Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		snapshot = append(snapshot, sess)
	}
	m.mu.RUnlock()

	for _, sess := range snapshot {
		if !fn(sess) {
			return
		}
	}
}

// CloseAll 关闭全部会话。
func (m *Manager) CloseAll() {
	m.Range(func(sess Session) bool {
		_ = sess.Close()
		return true
	})
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
