package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/guessr-gateway/internal/player"
	"github.com/lk2023060901/guessr-gateway/pkg/util/merr"
)

type nopTransport struct{}

func (nopTransport) Send([]byte) error { return nil }
func (nopTransport) Close() error      { return nil }

func connected(id string) *player.Session {
	return player.New(id, "127.0.0.1", nopTransport{})
}

func authenticated(id, account string) *player.Session {
	s := connected(id)
	s.Authenticate(player.Identity{AccountID: account, Username: account})
	return s
}

type RegistrySuite struct {
	suite.Suite
	r *Registry
}

func (s *RegistrySuite) SetupTest() {
	s.r = New()
}

func (s *RegistrySuite) TestRegisterAndFind() {
	a := connected("c1")
	s.NoError(s.r.Register(a))
	s.ErrorIs(s.r.Register(a), merr.ErrSessionAlreadyRegistered)

	got, ok := s.r.FindByID("c1")
	s.True(ok)
	s.Same(a, got)

	_, ok = s.r.FindByAccountID("")
	s.False(ok)
	s.Equal(1, s.r.Count())
}

func (s *RegistrySuite) TestRegisterRequiresTransport() {
	s.ErrorIs(s.r.Register(player.New("c1", "", nil)), merr.ErrParameterInvalid)
	s.ErrorIs(s.r.Register(nil), merr.ErrParameterInvalid)
}

func (s *RegistrySuite) TestBindAccount() {
	a := authenticated("c1", "acc-1")
	b := authenticated("c9", "acc-1")
	s.ErrorIs(s.r.BindAccount(a), merr.ErrSessionNotFound)

	s.NoError(s.r.Register(a))
	s.NoError(s.r.BindAccount(a))
	s.NoError(s.r.BindAccount(a))

	// 同账号的第二个会话只能以未验证状态在线，绑定会失败。
	shell := connected("c2")
	s.NoError(s.r.Register(shell))
	shell.Authenticate(player.Identity{AccountID: "acc-1"})
	err := s.r.BindAccount(shell)
	s.ErrorIs(err, merr.ErrDuplicateSession)

	got, ok := s.r.FindByAccountID("acc-1")
	s.True(ok)
	s.Same(a, got)

	s.ErrorIs(s.r.Register(b), merr.ErrDuplicateSession)
	s.ErrorIs(s.r.BindAccount(connected("c3")), merr.ErrParameterMissing)
}

func (s *RegistrySuite) TestUnregisterKeepsForeignIndex() {
	a := authenticated("c1", "acc-1")
	s.NoError(s.r.Register(a))

	loser := connected("c2")
	s.NoError(s.r.Register(loser))
	loser.Authenticate(player.Identity{AccountID: "acc-1"})

	_, ok := s.r.Unregister("c2")
	s.True(ok)
	got, ok := s.r.FindByAccountID("acc-1")
	s.True(ok)
	s.Same(a, got)

	_, ok = s.r.Unregister("c2")
	s.False(ok)
	_, ok = s.r.Unregister("c1")
	s.True(ok)
	_, ok = s.r.FindByAccountID("acc-1")
	s.False(ok)
}

func (s *RegistrySuite) TestMoveToDisconnectedAndReclaim() {
	a := authenticated("c1", "acc-1")
	s.NoError(s.r.Register(a))
	now := time.Now()

	t, err := s.r.MoveToDisconnected(a, now)
	s.NoError(err)
	s.NotNil(t)
	s.Nil(a.Transport())

	// 会话只处于断线表中。
	_, ok := s.r.FindByID("c1")
	s.False(ok)
	_, ok = s.r.FindByAccountID("acc-1")
	s.False(ok)
	s.Equal(Population{Connected: 0, Disconnected: 1}, s.r.Population())

	peek, ok := s.r.FindDisconnected("acc-1")
	s.True(ok)
	s.Same(a, peek)

	got, ok := s.r.Reclaim("acc-1")
	s.True(ok)
	s.Same(a, got)
	_, ok = s.r.Reclaim("acc-1")
	s.False(ok)
	s.Equal(0, s.r.DisconnectedCount())

	_, err = s.r.MoveToDisconnected(a, now)
	s.ErrorIs(err, merr.ErrSessionNotFound)
}

func (s *RegistrySuite) TestMerge() {
	now := time.Now()
	stored := authenticated("old", "acc-1")
	stored.SetGameID("g1")
	s.NoError(s.r.Register(stored))
	_, err := s.r.MoveToDisconnected(stored, now)
	s.NoError(err)

	// 没有断线记录的账号不会合并。
	other := connected("x")
	s.NoError(s.r.Register(other))
	_, ok, err := s.r.Merge(other, "acc-2", now)
	s.NoError(err)
	s.False(ok)

	shell := player.New("new", "10.0.0.2", nopTransport{})
	s.NoError(s.r.Register(shell))
	merged, ok, err := s.r.Merge(shell, "acc-1", now)
	s.NoError(err)
	s.True(ok)
	s.Same(stored, merged)

	s.Equal("new", merged.ID())
	s.Equal("10.0.0.2", merged.IP())
	s.NotNil(merged.Transport())
	s.Nil(shell.Transport())
	dc, _ := merged.Disconnected()
	s.False(dc)
	s.Equal("g1", merged.GameID())

	got, ok := s.r.FindByID("new")
	s.True(ok)
	s.Same(stored, got)
	got, ok = s.r.FindByAccountID("acc-1")
	s.True(ok)
	s.Same(stored, got)
	s.Equal(0, s.r.DisconnectedCount())
}

func (s *RegistrySuite) TestMergeRequiresRegisteredShell() {
	stored := authenticated("old", "acc-1")
	s.NoError(s.r.Register(stored))
	_, err := s.r.MoveToDisconnected(stored, time.Now())
	s.NoError(err)

	shell := connected("gone")
	_, ok, err := s.r.Merge(shell, "acc-1", time.Now())
	s.ErrorIs(err, merr.ErrSessionNotFound)
	s.False(ok)
	_, ok = s.r.FindDisconnected("acc-1")
	s.True(ok)
	s.NotNil(shell.Transport())
}

func (s *RegistrySuite) TestMoveToDisconnectedRejectsGuestsAndUnbound() {
	guest := connected("c1")
	guest.MarkGuest("Guest #1234")
	s.NoError(s.r.Register(guest))
	_, err := s.r.MoveToDisconnected(guest, time.Now())
	s.ErrorIs(err, merr.ErrParameterMissing)

	a := authenticated("c2", "acc-1")
	s.NoError(s.r.Register(a))
	loser := connected("c3")
	s.NoError(s.r.Register(loser))
	loser.Authenticate(player.Identity{AccountID: "acc-1"})
	_, err = s.r.MoveToDisconnected(loser, time.Now())
	s.ErrorIs(err, merr.ErrDuplicateSession)
	s.NotNil(loser.Transport())
}

func (s *RegistrySuite) TestPurgeExpired() {
	now := time.Now()
	old := authenticated("c1", "acc-old")
	fresh := authenticated("c2", "acc-new")
	s.NoError(s.r.Register(old))
	s.NoError(s.r.Register(fresh))
	_, err := s.r.MoveToDisconnected(old, now.Add(-10*time.Minute))
	s.NoError(err)
	_, err = s.r.MoveToDisconnected(fresh, now.Add(-time.Minute))
	s.NoError(err)

	purged := s.r.PurgeExpired(now, 5*time.Minute)
	s.Len(purged, 1)
	s.Same(old, purged[0])
	_, ok := s.r.FindDisconnected("acc-new")
	s.True(ok)
	s.Empty(s.r.PurgeExpired(now, 5*time.Minute))
}

func (s *RegistrySuite) TestRange() {
	for _, id := range []string{"c1", "c2", "c3"} {
		s.NoError(s.r.Register(connected(id)))
	}
	seen := 0
	s.r.Range(func(p *player.Session) bool {
		seen++
		// 回调中可以修改注册表。
		s.r.Unregister(p.ID())
		return true
	})
	s.Equal(3, seen)
	s.Equal(0, s.r.Count())

	s.NoError(s.r.Register(connected("c4")))
	s.NoError(s.r.Register(connected("c5")))
	seen = 0
	s.r.Range(func(*player.Session) bool {
		seen++
		return false
	})
	s.Equal(1, seen)
}

func (s *RegistrySuite) TestConcurrentBindSingleWinner() {
	const n = 16
	sessions := make([]*player.Session, n)
	for i := range sessions {
		sessions[i] = connected(string(rune('a' + i)))
		s.NoError(s.r.Register(sessions[i]))
		sessions[i].Authenticate(player.Identity{AccountID: "acc-1"})
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := range sessions {
		wg.Add(1)
		go func(p *player.Session) {
			defer wg.Done()
			if s.r.BindAccount(p) == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(sessions[i])
	}
	wg.Wait()
	s.Equal(1, wins)
}

func TestRegistry(t *testing.T) {
	suite.Run(t, new(RegistrySuite))
}
