package player

import (
	"slices"
	"time"
)

// Snapshot 是会话的不可变纯数据记录，不含传输通道，queued 恒为 false。
// 用于持久化、诊断输出以及在进程间转移会话。
type Snapshot struct {
	ID                  string        `json:"id"`
	IP                  string        `json:"ip"`
	Verified            bool          `json:"verified"`
	AccountID           string        `json:"accountId,omitempty"`
	Username            string        `json:"username,omitempty"`
	Supporter           bool          `json:"supporter"`
	Banned              bool          `json:"banned"`
	Rating              *int          `json:"rating,omitempty"`
	Tier                string        `json:"tier,omitempty"`
	Screen              Screen        `json:"screen"`
	Friends             []FriendEntry `json:"friends"`
	SentRequests        []FriendEntry `json:"sentRequests"`
	ReceivedRequests    []FriendEntry `json:"receivedRequests"`
	AllowFriendRequests bool          `json:"allowFriendRequests"`
	GameID              string        `json:"gameId,omitempty"`
	DisconnectedSince   time.Time     `json:"disconnectedSince"`
	RejoinToken         string        `json:"rejoinToken"`
	LastMessageAt       time.Time     `json:"lastMessageAt"`
	LastPongAt          time.Time     `json:"lastPongAt"`
}

// Snapshot 返回会话当前状态的副本。
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rating *int
	if s.identity.Rating != nil {
		r := *s.identity.Rating
		rating = &r
	}
	return Snapshot{
		ID:                  s.id,
		IP:                  s.ip,
		Verified:            s.identity.Verified,
		AccountID:           s.identity.AccountID,
		Username:            s.identity.Username,
		Supporter:           s.identity.Supporter,
		Banned:              s.identity.Banned,
		Rating:              rating,
		Tier:                s.identity.Tier,
		Screen:              s.screen,
		Friends:             slices.Clone(s.social.Friends),
		SentRequests:        slices.Clone(s.social.SentRequests),
		ReceivedRequests:    slices.Clone(s.social.ReceivedRequests),
		AllowFriendRequests: s.social.AllowFriendRequests,
		GameID:              s.gameID,
		DisconnectedSince:   s.dcSince,
		RejoinToken:         s.rejoinToken,
		LastMessageAt:       s.heartbeat.LastMessageAt,
		LastPongAt:          s.heartbeat.LastPongAt,
	}
}

// FromSnapshot 由快照重建一个没有传输通道的会话。
// 快照中缺失 rejoinToken 时保持为空，不会重新生成。
func FromSnapshot(snap Snapshot) *Session {
	var rating *int
	if snap.Rating != nil {
		r := *snap.Rating
		rating = &r
	}
	screen := snap.Screen
	if !validScreens.Contain(screen) {
		screen = ScreenHome
	}
	return &Session{
		id: snap.ID,
		ip: snap.IP,
		identity: Identity{
			Verified:  snap.Verified,
			AccountID: snap.AccountID,
			Username:  snap.Username,
			Supporter: snap.Supporter,
			Banned:    snap.Banned,
			Rating:    rating,
			Tier:      snap.Tier,
		},
		screen: screen,
		social: Social{
			Friends:             slices.Clone(snap.Friends),
			SentRequests:        slices.Clone(snap.SentRequests),
			ReceivedRequests:    slices.Clone(snap.ReceivedRequests),
			AllowFriendRequests: snap.AllowFriendRequests,
		},
		gameID:      snap.GameID,
		dcSince:     snap.DisconnectedSince,
		rejoinToken: snap.RejoinToken,
		heartbeat: Heartbeat{
			LastMessageAt: snap.LastMessageAt,
			LastPongAt:    snap.LastPongAt,
		},
	}
}
