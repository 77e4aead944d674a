// Package player 定义玩家会话实体：身份、社交列表、对局关联以及当前传输通道。
package player

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lk2023060901/guessr-gateway/pkg/util/typeutil"
)

// Screen 为客户端上报的当前界面。
type Screen string

const (
	ScreenHome         Screen = "home"
	ScreenSingleplayer Screen = "singleplayer"
	ScreenMultiplayer  Screen = "multiplayer"
)

var validScreens = typeutil.NewSet(ScreenHome, ScreenSingleplayer, ScreenMultiplayer)

// Transport 是会话持有的传输通道，只使用发送与关闭两个原语。
type Transport interface {
	Send(payload []byte) error
	Close() error
}

// Identity 为会话的身份信息。
type Identity struct {
	Verified  bool
	AccountID string
	Username  string
	Supporter bool
	Banned    bool
	// Rating 为 nil 表示没有积分（游客或新账号）。
	Rating *int
	Tier   string
}

// FriendEntry 是可直接下发给客户端的好友条目。
type FriendEntry struct {
	AccountID        string `json:"id"`
	DisplayName      string `json:"name"`
	Supporter        bool   `json:"supporter"`
	Online           bool   `json:"online"`
	LiveConnectionID string `json:"socketId,omitempty"`
}

// Social 为会话的社交状态。
type Social struct {
	Friends             []FriendEntry
	SentRequests        []FriendEntry
	ReceivedRequests    []FriendEntry
	AllowFriendRequests bool
}

func (s Social) clone() Social {
	return Social{
		Friends:             slices.Clone(s.Friends),
		SentRequests:        slices.Clone(s.SentRequests),
		ReceivedRequests:    slices.Clone(s.ReceivedRequests),
		AllowFriendRequests: s.AllowFriendRequests,
	}
}

// Heartbeat 记录最近一次收到消息和 pong 的时间。
type Heartbeat struct {
	LastMessageAt time.Time
	LastPongAt    time.Time
}

// Session 是一个玩家的服务端状态，可以跨越多条传输连接。
//
// 所有访问都经过内部锁；跨会话、跨注册表的原子性由 registry 负责。
type Session struct {
	mu sync.RWMutex

	id          string
	ip          string
	transport   Transport
	identity    Identity
	screen      Screen
	social      Social
	gameID      string
	queued      bool
	dcSince     time.Time
	rejoinToken string
	heartbeat   Heartbeat
}

// New 为刚接入的连接创建未验证的会话。
func New(id, ip string, t Transport) *Session {
	now := time.Now()
	return &Session{
		id:          id,
		ip:          ip,
		transport:   t,
		screen:      ScreenHome,
		rejoinToken: uuid.NewString(),
		heartbeat:   Heartbeat{LastMessageAt: now, LastPongAt: now},
	}
}

func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

func (s *Session) IP() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ip
}

// Transport 返回当前传输通道，断线时为 nil。
func (s *Session) Transport() Transport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transport
}

func (s *Session) RejoinToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rejoinToken
}

// Identity 返回身份信息的副本。
func (s *Session) Identity() Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id := s.identity
	if id.Rating != nil {
		r := *id.Rating
		id.Rating = &r
	}
	return id
}

func (s *Session) Verified() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity.Verified
}

func (s *Session) AccountID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity.AccountID
}

func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity.Username
}

// MarkGuest 将未验证的会话标记为游客。
// 会话已验证时不做任何修改并返回 false。
func (s *Session) MarkGuest(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity.Verified {
		return false
	}
	s.identity.Verified = true
	s.identity.Username = name
	return true
}

// Authenticate 写入已认证账号的身份信息。
func (s *Session) Authenticate(id Identity) {
	id.Verified = true
	if id.Rating != nil {
		r := *id.Rating
		id.Rating = &r
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = id
}

// SetRating 更新积分与段位。
func (s *Session) SetRating(rating int, tier string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity.Rating = &rating
	s.identity.Tier = tier
}

func (s *Session) Screen() Screen {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.screen
}

// SetScreen 仅接受 home、singleplayer、multiplayer，其它取值被忽略。
func (s *Session) SetScreen(v string) bool {
	screen := Screen(v)
	if !validScreens.Contain(screen) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.screen = screen
	return true
}

// Social 返回社交状态的深拷贝。
func (s *Session) Social() Social {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.social.clone()
}

func (s *Session) SetSocial(social Social) {
	social = social.clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.social = social
}

func (s *Session) GameID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gameID
}

// SetGameID 由对局组件在玩家进入或离开对局时调用，空串表示不在对局中。
func (s *Session) SetGameID(gameID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gameID = gameID
}

func (s *Session) Queued() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queued
}

func (s *Session) SetQueued(queued bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued = queued
}

// Disconnected 返回是否处于断线状态以及断线时间。
func (s *Session) Disconnected() (bool, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.dcSince.IsZero(), s.dcSince
}

// Detach 解除传输通道并标记断线，返回原通道。
// 匹配中的排队状态不会跨断线保留。
func (s *Session) Detach(now time.Time) Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.transport
	s.transport = nil
	s.queued = false
	s.dcSince = now
	return t
}

// Reattach 将新连接接管到本会话：连接 ID、IP 与传输通道均取新连接的值。
func (s *Session) Reattach(id, ip string, t Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
	s.ip = ip
	s.transport = t
	s.dcSince = time.Time{}
}

// Touch 记录收到任意入站消息的时间。
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeat.LastMessageAt = now
}

// Pong 记录收到心跳回应的时间。
func (s *Session) Pong(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeat.LastMessageAt = now
	s.heartbeat.LastPongAt = now
}

func (s *Session) Heartbeat() Heartbeat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.heartbeat
}
