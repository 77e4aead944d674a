package gateway

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/guessr-gateway/internal/friends"
	"github.com/lk2023060901/guessr-gateway/internal/game"
	"github.com/lk2023060901/guessr-gateway/internal/identity"
	"github.com/lk2023060901/guessr-gateway/internal/json"
	"github.com/lk2023060901/guessr-gateway/internal/network/acceptor"
	"github.com/lk2023060901/guessr-gateway/internal/network/connector"
	"github.com/lk2023060901/guessr-gateway/internal/player"
	"github.com/lk2023060901/guessr-gateway/internal/push"
	"github.com/lk2023060901/guessr-gateway/internal/registry"
	"github.com/lk2023060901/guessr-gateway/internal/store"
	"github.com/lk2023060901/guessr-gateway/internal/verify"
	"github.com/lk2023060901/guessr-gateway/pkg/log"
	"github.com/lk2023060901/guessr-gateway/pkg/metrics"
	"github.com/lk2023060901/guessr-gateway/pkg/util/conc"
)

const waitFor = 2 * time.Second

type GatewaySuite struct {
	suite.Suite

	restoreLog func()

	users *store.MemoryStore
	reg   *registry.Registry
	pool  *conc.Pool[*store.User]
	gw    *Gateway
	acc   *acceptor.Acceptor
	srv   *httptest.Server
	url   string
}

func (s *GatewaySuite) SetupSuite() {
	s.restoreLog = log.SetupTestLogger(s.T(), "debug")
}

func (s *GatewaySuite) TearDownSuite() {
	s.restoreLog()
}

func (s *GatewaySuite) SetupTest() {
	s.users = store.NewMemoryStore(
		&store.User{ID: "u1", Secret: "s1", Username: "alice", Elo: 1000, Friends: []string{"u2"}},
		&store.User{ID: "u2", Secret: "s2", Username: "bob", Friends: []string{"u1"}},
	)
	s.reg = registry.New()
	s.pool = conc.NewPool[*store.User](4)
	ch := push.NewChannel(nil)
	dir := friends.NewDirectory(s.users, s.reg, ch, s.pool)
	v := verify.New(verify.Config{Timeout: time.Second}, verify.Deps{
		Resolver: identity.NewSecretResolver(s.users),
		Users:    s.users,
		Registry: s.reg,
		Games:    game.NewTable(),
		Friends:  dir,
		Channel:  ch,
	})

	gw, err := New(Config{Grace: time.Minute}, Deps{
		Registry: s.reg,
		Verifier: v,
		Friends:  dir,
		Channel:  ch,
		Users:    s.users,
	})
	s.Require().NoError(err)
	s.gw = gw

	s.acc = acceptor.New(acceptor.Config{AllowAnyOrigin: true}, gw)
	s.srv = httptest.NewServer(s.acc)
	s.url = "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *GatewaySuite) TearDownTest() {
	s.NoError(s.acc.Close())
	s.srv.Close()
	s.pool.Release()
}

func (s *GatewaySuite) dial() *connector.ClientConn {
	c, err := connector.Dial(context.Background(), s.url, nil, connector.Config{})
	s.Require().NoError(err)
	return c
}

func (s *GatewaySuite) recv(c *connector.ClientConn) map[string]any {
	select {
	case data, ok := <-c.Recv():
		s.Require().True(ok, "connection closed")
		var m map[string]any
		s.Require().NoError(json.Unmarshal(data, &m))
		return m
	case <-time.After(waitFor):
		s.FailNow("timed out waiting for message")
	}
	return nil
}

func (s *GatewaySuite) login(secret string) (*connector.ClientConn, *player.Session) {
	c := s.dial()
	s.Require().NoError(c.Send(map[string]any{"type": MsgVerify, "secret": secret}))
	s.Equal(push.TypeVerify, s.recv(c)["type"])
	s.Equal(push.TypeCount, s.recv(c)["type"])

	var p *player.Session
	s.Require().Eventually(func() bool {
		u, err := s.users.FindBySecret(context.Background(), secret)
		if err != nil {
			return false
		}
		var ok bool
		p, ok = s.reg.FindByAccountID(u.ID)
		return ok
	}, waitFor, 10*time.Millisecond)
	return c, p
}

func (s *GatewaySuite) TestGuestVerify() {
	c := s.dial()
	defer c.Close()

	s.Require().NoError(c.Send(map[string]any{"type": MsgVerify}))
	msg := s.recv(c)
	s.Equal(push.TypeVerify, msg["type"])
	s.True(strings.HasPrefix(msg["guestName"].(string), "Guest #"))
	msg = s.recv(c)
	s.Equal(push.TypeCount, msg["type"])
	s.EqualValues(1, msg["c"])
}

func (s *GatewaySuite) TestScreenPongAndFriends() {
	alice, p := s.login("s1")
	defer alice.Close()
	bob, _ := s.login("s2")
	defer bob.Close()

	before := p.Heartbeat().LastPongAt
	s.Require().NoError(alice.Send(map[string]any{"type": MsgScreen, "screen": "multiplayer"}))
	s.Require().NoError(alice.Send(map[string]any{"type": MsgScreen, "screen": "settings"}))
	s.Require().NoError(alice.Send(map[string]any{"type": MsgPong}))
	s.Require().NoError(alice.Send(map[string]any{"type": MsgGetFriends}))

	msg := s.recv(alice)
	s.Equal(push.TypeFriends, msg["type"])
	friends := msg["friends"].([]any)
	s.Require().Len(friends, 1)
	f := friends[0].(map[string]any)
	s.Equal("bob", f["name"])
	s.Equal(true, f["online"])
	s.NotEmpty(f["socketId"])

	s.Equal(player.ScreenMultiplayer, p.Screen())
	s.True(p.Heartbeat().LastPongAt.After(before) || p.Heartbeat().LastPongAt.Equal(before))
}

func (s *GatewaySuite) TestUnknownMessageIsIgnored() {
	c := s.dial()
	defer c.Close()

	s.Require().NoError(c.SendRaw([]byte(`{"type":"dance"}`)))
	s.Require().NoError(c.SendRaw([]byte(`garbage`)))
	s.Require().NoError(c.Send(map[string]any{"type": MsgVerify, "secret": verify.NotLoggedIn}))
	s.Equal(push.TypeVerify, s.recv(c)["type"])
}

func (s *GatewaySuite) TestGuestDisconnectIsPurged() {
	c := s.dial()
	s.Require().NoError(c.Send(map[string]any{"type": MsgVerify}))
	s.recv(c)
	s.recv(c)
	s.Require().NoError(c.Close())

	s.Eventually(func() bool { return s.reg.Count() == 0 }, waitFor, 10*time.Millisecond)
	s.Equal(0, s.reg.DisconnectedCount())
}

func (s *GatewaySuite) TestReconnect() {
	c, p := s.login("s1")
	token := p.RejoinToken()
	s.Require().NoError(c.Close())
	s.Require().Eventually(func() bool { return s.reg.DisconnectedCount() == 1 }, waitFor, 10*time.Millisecond)
	s.Equal(0, s.reg.Count())

	again := s.dial()
	defer again.Close()
	s.Require().NoError(again.Send(map[string]any{"type": MsgVerify, "secret": "s1"}))
	msg := s.recv(again)
	s.Equal(push.TypeVerify, msg["type"])
	s.NotContains(msg, "guestName")

	s.Require().Eventually(func() bool { return s.reg.DisconnectedCount() == 0 }, waitFor, 10*time.Millisecond)
	got, ok := s.reg.FindByAccountID("u1")
	s.Require().True(ok)
	s.Same(p, got)
	s.Equal(token, got.RejoinToken())
	s.Equal(1, s.reg.Count())
}

func (s *GatewaySuite) TestDuplicateLogin() {
	first, p := s.login("s1")
	defer first.Close()
	unverified := purgedCount(metrics.PurgeReasonUnverified)

	second := s.dial()
	s.Require().NoError(second.Send(map[string]any{"type": MsgVerify, "secret": "s1"}))
	msg := s.recv(second)
	s.Equal(push.TypeError, msg["type"])
	s.Equal("uac", msg["message"])

	select {
	case <-second.Context().Done():
	case <-time.After(waitFor):
		s.FailNow("duplicate connection was not closed")
	}
	s.Eventually(func() bool { return s.reg.Count() == 1 }, waitFor, 10*time.Millisecond)
	got, ok := s.reg.FindByAccountID("u1")
	s.True(ok)
	s.Same(p, got)
	s.Eventually(func() bool {
		return purgedCount(metrics.PurgeReasonUnverified) >= unverified+1
	}, waitFor, 10*time.Millisecond)
}

func (s *GatewaySuite) TestSetRating() {
	c, p := s.login("s1")
	defer c.Close()

	s.Require().NoError(s.gw.SetRating(context.Background(), p, 5200))
	msg := s.recv(c)
	s.Equal(push.TypeElo, msg["type"])
	s.EqualValues(5200, msg["elo"])
	s.Equal("Voyager", msg["league"].(map[string]any)["name"])
	s.Equal("Voyager", p.Identity().Tier)

	u, err := s.users.FindByID(context.Background(), "u1")
	s.Require().NoError(err)
	s.Equal(5200, u.Elo)

	guest := player.New("g", "", nil)
	s.NoError(s.gw.SetRating(context.Background(), guest, 10))
	s.Nil(guest.Identity().Rating)
}

func (s *GatewaySuite) TestPurgeExpired() {
	p := player.New("c1", "", &nopTransport{})
	p.Authenticate(player.Identity{AccountID: "u9"})
	s.Require().NoError(s.reg.Register(p))
	_, err := s.reg.MoveToDisconnected(p, time.Now().Add(-2*time.Minute))
	s.Require().NoError(err)

	purged := s.gw.purge(time.Now())
	s.Require().Len(purged, 1)
	s.Same(p, purged[0])
	s.Equal(0, s.reg.DisconnectedCount())
}

func (s *GatewaySuite) TestRunStopsWithContext() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.gw.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(waitFor):
		s.FailNow("purge loop did not stop")
	}
}

type nopTransport struct{}

func (*nopTransport) Send([]byte) error { return nil }
func (*nopTransport) Close() error      { return nil }

func purgedCount(reason string) float64 {
	m := &dto.Metric{}
	if err := metrics.GatewayPurgedSessions.WithLabelValues(reason).Write(m); err != nil {
		return -1
	}
	return m.GetCounter().GetValue()
}

func TestPurgeReason(t *testing.T) {
	shell := player.New("c1", "", nil)
	assert.Equal(t, metrics.PurgeReasonUnverified, purgeReason(shell))

	guest := player.New("c2", "", nil)
	guest.MarkGuest("Guest #1234")
	assert.Equal(t, metrics.PurgeReasonGuest, purgeReason(guest))

	loser := player.New("c3", "", nil)
	loser.Authenticate(player.Identity{AccountID: "u1", Username: "alice"})
	assert.Equal(t, metrics.PurgeReasonRejected, purgeReason(loser))
}

func TestGateway(t *testing.T) {
	suite.Run(t, new(GatewaySuite))
}
