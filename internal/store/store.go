// Package store 提供用户文档的读写，供身份解析、好友补全与登录统计使用。
package store

import (
	"context"
	"time"
)

// User 是用户文档中网关关心的字段。
type User struct {
	ID                 string    `json:"id"`
	Secret             string    `json:"-"`
	Username           string    `json:"username"`
	Supporter          bool      `json:"supporter"`
	Banned             bool      `json:"banned"`
	Elo                int       `json:"elo"`
	TimeZone           string    `json:"timeZone"`
	LastLogin          time.Time `json:"lastLogin"`
	Streak             int       `json:"streak"`
	FirstLoginComplete bool      `json:"firstLoginComplete"`
	Friends            []string  `json:"friends"`
	SentRequests       []string  `json:"sentReq"`
	ReceivedRequests   []string  `json:"receivedReq"`
	AllowFriendReq     bool      `json:"allowFriendReq"`
}

// LoginUpdate 为登录时写回的统计字段，写入后 firstLoginComplete 恒为 true。
type LoginUpdate struct {
	TimeZone  string
	LastLogin time.Time
	Streak    int
}

// UserStore 是用户文档存储。
//
// 查询不到用户时返回 merr.ErrUserNotFound，其余失败返回 merr.ErrStoreFailed。
type UserStore interface {
	FindByID(ctx context.Context, id string) (*User, error)
	FindBySecret(ctx context.Context, secret string) (*User, error)
	UpdateLogin(ctx context.Context, id string, update LoginUpdate) error
	SetRating(ctx context.Context, id string, elo int) error
}

func cloneUser(u *User) *User {
	if u == nil {
		return nil
	}
	c := *u
	c.Friends = append([]string(nil), u.Friends...)
	c.SentRequests = append([]string(nil), u.SentRequests...)
	c.ReceivedRequests = append([]string(nil), u.ReceivedRequests...)
	return &c
}
