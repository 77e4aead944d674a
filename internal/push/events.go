package push

import (
	"github.com/lk2023060901/guessr-gateway/internal/league"
	"github.com/lk2023060901/guessr-gateway/internal/player"
)

// 下行消息类型。
const (
	TypeVerify  = "verify"
	TypeCount   = "cnt"
	TypeError   = "error"
	TypeToast   = "toast"
	TypeStreak  = "streak"
	TypeFriends = "friends"
	TypeElo     = "elo"
)

// 面向客户端的错误文案。
const (
	MessageFailedToLogin    = "Failed to login"
	MessageAlreadyConnected = "uac"
)

// Event 是可推送给客户端的消息。
type Event interface {
	EventType() string
}

type header struct {
	Type string `json:"type"`
}

func (h header) EventType() string { return h.Type }

type Verify struct {
	header
	GuestName string `json:"guestName,omitempty"`
}

// NewVerify 创建 verify 消息，guestName 为空时不下发该字段。
func NewVerify(guestName string) Verify {
	return Verify{header: header{TypeVerify}, GuestName: guestName}
}

type Count struct {
	header
	C int `json:"c"`
}

// NewCount 创建在线人数消息。
func NewCount(c int) Count {
	return Count{header: header{TypeCount}, C: c}
}

type Error struct {
	header
	Message       string `json:"message"`
	FailedToLogin bool   `json:"failedToLogin,omitempty"`
}

func NewError(message string) Error {
	return Error{header: header{TypeError}, Message: message}
}

// NewLoginFailed 创建凭证无效时的错误消息。
func NewLoginFailed() Error {
	return Error{header: header{TypeError}, Message: MessageFailedToLogin, FailedToLogin: true}
}

// NewAlreadyConnected 创建账号已在线时的错误消息。
func NewAlreadyConnected() Error {
	return NewError(MessageAlreadyConnected)
}

type Toast struct {
	header
	ToastType string `json:"toastType"`
	Key       string `json:"key"`
}

func NewToast(toastType, key string) Toast {
	return Toast{header: header{TypeToast}, ToastType: toastType, Key: key}
}

type Streak struct {
	header
	Streak int `json:"streak"`
}

func NewStreak(streak int) Streak {
	return Streak{header: header{TypeStreak}, Streak: streak}
}

type Friends struct {
	header
	Friends          []player.FriendEntry `json:"friends"`
	SentRequests     []player.FriendEntry `json:"sentRequests"`
	ReceivedRequests []player.FriendEntry `json:"receivedRequests"`
	AllowFriendReq   bool                 `json:"allowFriendReq"`
}

// NewFriends 由社交状态创建 friends 消息，空列表编码为 []。
func NewFriends(social player.Social) Friends {
	return Friends{
		header:           header{TypeFriends},
		Friends:          nonNil(social.Friends),
		SentRequests:     nonNil(social.SentRequests),
		ReceivedRequests: nonNil(social.ReceivedRequests),
		AllowFriendReq:   social.AllowFriendRequests,
	}
}

type Elo struct {
	header
	Elo    int         `json:"elo"`
	League league.Tier `json:"league"`
}

func NewElo(elo int, tier league.Tier) Elo {
	return Elo{header: header{TypeElo}, Elo: elo, League: tier}
}

func nonNil(entries []player.FriendEntry) []player.FriendEntry {
	if entries == nil {
		return []player.FriendEntry{}
	}
	return entries
}
