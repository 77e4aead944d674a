// Package friends 负责好友列表的补全、在线状态计算与下发。
package friends

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/guessr-gateway/internal/player"
	"github.com/lk2023060901/guessr-gateway/internal/push"
	"github.com/lk2023060901/guessr-gateway/internal/store"
	"github.com/lk2023060901/guessr-gateway/pkg/log"
	"github.com/lk2023060901/guessr-gateway/pkg/util/conc"
	"github.com/lk2023060901/guessr-gateway/pkg/util/merr"
)

// AccountIndex 按账号查找在线会话，registry.Registry 满足该接口。
type AccountIndex interface {
	FindByAccountID(accountID string) (*player.Session, bool)
}

// Directory 是 FriendDirectory 的实现。
type Directory struct {
	log.Binder

	users   store.UserStore
	index   AccountIndex
	channel *push.Channel
	pool    *conc.Pool[*store.User]
}

func NewDirectory(users store.UserStore, index AccountIndex, channel *push.Channel, pool *conc.Pool[*store.User]) *Directory {
	d := &Directory{
		users:   users,
		index:   index,
		channel: channel,
		pool:    pool,
	}
	d.SetLogger(log.With(log.FieldComponent("friends")))
	return d
}

// Hydrate 将用户文档中的三组账号 ID 解析为带名称的好友条目并写入会话。
// 无法解析或没有用户名的 ID 会被丢弃，其余条目保持原顺序。
func (d *Directory) Hydrate(ctx context.Context, s *player.Session, u *store.User) error {
	friends, err := d.resolve(ctx, u.Friends)
	if err != nil {
		return err
	}
	sent, err := d.resolve(ctx, u.SentRequests)
	if err != nil {
		return err
	}
	received, err := d.resolve(ctx, u.ReceivedRequests)
	if err != nil {
		return err
	}
	s.SetSocial(player.Social{
		Friends:             friends,
		SentRequests:        sent,
		ReceivedRequests:    received,
		AllowFriendRequests: u.AllowFriendReq,
	})
	return nil
}

func (d *Directory) resolve(ctx context.Context, ids []string) ([]player.FriendEntry, error) {
	futures := make([]*conc.Future[*store.User], 0, len(ids))
	for _, id := range ids {
		futures = append(futures, d.pool.Submit(func() (*store.User, error) {
			return d.users.FindByID(ctx, id)
		}))
	}

	entries := make([]player.FriendEntry, 0, len(ids))
	for i, f := range futures {
		u, err := f.Await()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !errors.Is(err, merr.ErrUserNotFound) {
				d.Logger().RatedWarn(10, "resolve friend failed", zap.String("id", ids[i]), zap.Error(err))
			}
			continue
		}
		if u == nil || u.Username == "" {
			continue
		}
		entries = append(entries, player.FriendEntry{
			AccountID:   ids[i],
			DisplayName: u.Username,
			Supporter:   u.Supporter,
		})
	}
	return entries, nil
}

// ComputeOnlineStatus 根据账号索引刷新好友的在线状态与连接 ID，并写回会话。
func (d *Directory) ComputeOnlineStatus(s *player.Session) player.Social {
	social := s.Social()
	for i := range social.Friends {
		f := &social.Friends[i]
		if online, ok := d.index.FindByAccountID(f.AccountID); ok {
			f.Online = true
			f.LiveConnectionID = online.ID()
		} else {
			f.Online = false
			f.LiveConnectionID = ""
		}
	}
	s.SetSocial(social)
	return social
}

// BuildSnapshot 生成 friends 消息。
func (d *Directory) BuildSnapshot(s *player.Session) push.Friends {
	return push.NewFriends(d.ComputeOnlineStatus(s))
}

// SendFriendData 向会话推送好友快照，游客与未验证会话不推送。
func (d *Directory) SendFriendData(s *player.Session) {
	if s.AccountID() == "" {
		return
	}
	d.channel.Send(s, d.BuildSnapshot(s))
}
