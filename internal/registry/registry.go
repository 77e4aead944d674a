// Package registry 维护在线会话表、账号索引以及断线待重连表。
//
// 一个会话在任意时刻只处于三种位置之一：在线表、断线表、都不在（已清理）。
// 所有操作都持有同一把锁，调用方不能直接访问内部 map。
package registry

import (
	"sync"
	"time"

	"github.com/lk2023060901/guessr-gateway/internal/player"
	"github.com/lk2023060901/guessr-gateway/pkg/metrics"
	"github.com/lk2023060901/guessr-gateway/pkg/util/merr"
)

type disconnectedEntry struct {
	session *player.Session
	since   time.Time
}

// Population 为在线与断线会话数。
type Population struct {
	Connected    int
	Disconnected int
}

// Registry 同时持有 SessionRegistry 与 DisconnectedSessionTable。
type Registry struct {
	mu sync.Mutex

	// sessions 以连接 ID 为键。
	sessions map[string]*player.Session
	// byAccount 为已绑定账号的在线会话索引。
	byAccount map[string]*player.Session
	// disconnected 以账号 ID 为键。
	disconnected map[string]disconnectedEntry
}

func New() *Registry {
	return &Registry{
		sessions:     make(map[string]*player.Session),
		byAccount:    make(map[string]*player.Session),
		disconnected: make(map[string]disconnectedEntry),
	}
}

// Register 将会话加入在线表。
// 已验证且带账号的会话会同时写入账号索引，索引被其它会话占用时返回 ErrDuplicateSession。
func (r *Registry) Register(s *player.Session) error {
	if s == nil || s.Transport() == nil {
		return merr.WrapErrParameterInvalidMsg("register requires a connected session")
	}
	id := s.ID()
	account := ""
	if s.Verified() {
		account = s.AccountID()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; ok {
		return merr.WrapErrSessionAlreadyRegistered(id)
	}
	if account != "" {
		if other, ok := r.byAccount[account]; ok && other != s {
			return merr.WrapErrDuplicateSession(account, other.ID())
		}
		r.byAccount[account] = s
	}
	r.sessions[id] = s
	r.observeLocked()
	return nil
}

// Unregister 将连接 ID 对应的会话移出在线表，并清理其账号索引。
func (r *Registry) Unregister(id string) (*player.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	r.removeLocked(id, s)
	r.observeLocked()
	return s, true
}

func (r *Registry) FindByID(id string) (*player.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// FindByAccountID 通过账号索引查找在线会话，O(1)。
func (r *Registry) FindByAccountID(accountID string) (*player.Session, bool) {
	if accountID == "" {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byAccount[accountID]
	return s, ok
}

// BindAccount 为已在线的会话原子地占用账号索引。
// 账号已被另一个在线会话占用时返回 ErrDuplicateSession，已有会话不受影响。
func (r *Registry) BindAccount(s *player.Session) error {
	id := s.ID()
	account := s.AccountID()
	if account == "" {
		return merr.WrapErrParameterMissing("accountID", "bind account")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[id]; !ok || cur != s {
		return merr.WrapErrSessionNotFound(id, "bind account")
	}
	if other, ok := r.byAccount[account]; ok && other != s {
		return merr.WrapErrDuplicateSession(account, other.ID())
	}
	r.byAccount[account] = s
	return nil
}

// MoveToDisconnected 将在线会话移入断线表并解除其传输通道。
// 只有带账号的会话可以重连；返回被解除的传输通道，由调用方关闭。
func (r *Registry) MoveToDisconnected(s *player.Session, now time.Time) (player.Transport, error) {
	id := s.ID()
	account := s.AccountID()
	if account == "" {
		return nil, merr.WrapErrParameterMissing("accountID", "only accounts can reconnect")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[id]; !ok || cur != s {
		return nil, merr.WrapErrSessionNotFound(id, "move to disconnected")
	}
	// 未占用账号索引的会话（例如绑定失败的重复登录）不能进入断线表。
	if bound, ok := r.byAccount[account]; !ok || bound != s {
		return nil, merr.WrapErrDuplicateSession(account, id, "session does not own the account")
	}
	r.removeLocked(id, s)
	t := s.Detach(now)
	r.disconnected[account] = disconnectedEntry{session: s, since: now}
	r.observeLocked()
	return t, nil
}

// Reclaim 从断线表中取出账号对应的会话。
func (r *Registry) Reclaim(accountID string) (*player.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.disconnected[accountID]
	if !ok {
		return nil, false
	}
	delete(r.disconnected, accountID)
	r.observeLocked()
	return e.session, true
}

// Merge 原子地完成断线重连：取出账号在断线表中的会话，
// 让它接管 shell 的连接 ID、IP 与传输通道，并以它替换在线表中的 shell。
// 断线表中没有该账号时返回 false；shell 已不在在线表中时返回 ErrSessionNotFound，断线表保持不变。
func (r *Registry) Merge(shell *player.Session, accountID string, now time.Time) (*player.Session, bool, error) {
	id := shell.ID()
	ip := shell.IP()

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.disconnected[accountID]
	if !ok {
		return nil, false, nil
	}
	if cur, ok := r.sessions[id]; !ok || cur != shell {
		return nil, false, merr.WrapErrSessionNotFound(id, "merge into disconnected session")
	}
	if other, ok := r.byAccount[accountID]; ok && other != shell {
		return nil, false, merr.WrapErrDuplicateSession(accountID, other.ID())
	}

	delete(r.disconnected, accountID)
	r.removeLocked(id, shell)
	t := shell.Detach(now)
	e.session.Reattach(id, ip, t)
	r.sessions[id] = e.session
	r.byAccount[accountID] = e.session
	r.observeLocked()
	return e.session, true, nil
}

// FindDisconnected 查看断线表中的会话，不移除。
func (r *Registry) FindDisconnected(accountID string) (*player.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.disconnected[accountID]
	return e.session, ok
}

// PurgeExpired 清理断线超过 grace 的会话并返回它们。
func (r *Registry) PurgeExpired(now time.Time, grace time.Duration) []*player.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var purged []*player.Session
	for account, e := range r.disconnected {
		if now.Sub(e.since) >= grace {
			delete(r.disconnected, account)
			purged = append(purged, e.session)
		}
	}
	if len(purged) > 0 {
		r.observeLocked()
	}
	return purged
}

// Count 返回在线会话数。
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// DisconnectedCount 返回断线待重连的会话数。
func (r *Registry) DisconnectedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.disconnected)
}

func (r *Registry) Population() Population {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Population{Connected: len(r.sessions), Disconnected: len(r.disconnected)}
}

// Range 在在线会话快照上遍历，回调中可以调用 Registry 的其它方法。
func (r *Registry) Range(fn func(s *player.Session) bool) {
	r.mu.Lock()
	snapshot := make([]*player.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	r.mu.Unlock()

	for _, s := range snapshot {
		if !fn(s) {
			return
		}
	}
}

func (r *Registry) removeLocked(id string, s *player.Session) {
	delete(r.sessions, id)
	if account := s.AccountID(); account != "" {
		if cur, ok := r.byAccount[account]; ok && cur == s {
			delete(r.byAccount, account)
		}
	}
}

func (r *Registry) observeLocked() {
	metrics.GatewayConnectedSessions.Set(float64(len(r.sessions)))
	metrics.GatewayDisconnectedSessions.Set(float64(len(r.disconnected)))
}
