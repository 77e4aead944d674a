package verify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/guessr-gateway/internal/friends"
	"github.com/lk2023060901/guessr-gateway/internal/game"
	"github.com/lk2023060901/guessr-gateway/internal/identity"
	"github.com/lk2023060901/guessr-gateway/internal/json"
	"github.com/lk2023060901/guessr-gateway/internal/player"
	"github.com/lk2023060901/guessr-gateway/internal/push"
	"github.com/lk2023060901/guessr-gateway/internal/registry"
	"github.com/lk2023060901/guessr-gateway/internal/store"
	"github.com/lk2023060901/guessr-gateway/pkg/log"
	"github.com/lk2023060901/guessr-gateway/pkg/util/conc"
)

type fakeTransport struct {
	mu     sync.Mutex
	frames []map[string]any
	closed bool
}

func (t *fakeTransport) Send(p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return context.Canceled
	}
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return err
	}
	t.frames = append(t.frames, m)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) types() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.frames))
	for _, f := range t.frames {
		out = append(out, f["type"].(string))
	}
	return out
}

func (t *fakeTransport) frame(i int) map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frames[i]
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeGame struct {
	id string

	mu      sync.Mutex
	rejoins int
}

func (g *fakeGame) ID() string { return g.id }

func (g *fakeGame) Rejoin(*player.Session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rejoins++
}

// blockingResolver 直到 ctx 结束才返回。
type blockingResolver struct{}

func (blockingResolver) Resolve(ctx context.Context, _ string) (*store.User, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// hangingStore 的按 ID 查询与登录写回直到 ctx 结束才返回。
type hangingStore struct {
	*store.MemoryStore
}

func (hangingStore) FindByID(ctx context.Context, _ string) (*store.User, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (hangingStore) UpdateLogin(ctx context.Context, _ string, _ store.LoginUpdate) error {
	<-ctx.Done()
	return ctx.Err()
}

var fixedNow = time.Date(2026, 5, 10, 15, 0, 0, 0, time.UTC)

type VerifierSuite struct {
	suite.Suite

	restoreLog func()

	users *store.MemoryStore
	reg   *registry.Registry
	games *game.Table
	pool  *conc.Pool[*store.User]
	v     *Verifier
}

func (s *VerifierSuite) SetupSuite() {
	s.restoreLog = log.SetupTestLogger(s.T(), "debug")
}

func (s *VerifierSuite) TearDownSuite() {
	s.restoreLog()
}

func (s *VerifierSuite) SetupTest() {
	s.users = store.NewMemoryStore(
		&store.User{ID: "u1", Secret: "s1", Username: "alice", Supporter: true, Elo: 2500,
			Friends: []string{"u2"}, AllowFriendReq: true, FirstLoginComplete: true,
			TimeZone: "UTC", LastLogin: fixedNow.Add(-24 * time.Hour), Streak: 3},
		&store.User{ID: "u2", Secret: "s2", Username: "bob"},
	)
	s.reg = registry.New()
	s.games = game.NewTable()
	s.pool = conc.NewPool[*store.User](4)
	s.v = s.newVerifier(identity.NewSecretResolver(s.users), time.Second)
}

func (s *VerifierSuite) TearDownTest() {
	s.pool.Release()
}

func (s *VerifierSuite) newVerifier(r identity.Resolver, timeout time.Duration) *Verifier {
	ch := push.NewChannel(nil)
	return New(Config{Timeout: timeout}, Deps{
		Resolver: r,
		Users:    s.users,
		Registry: s.reg,
		Games:    s.games,
		Friends:  friends.NewDirectory(s.users, s.reg, ch, s.pool),
		Channel:  ch,
	}, WithCodeFunc(func() int { return 123456 }), WithClock(func() time.Time { return fixedNow }))
}

func (s *VerifierSuite) connect(id string) (*player.Session, *fakeTransport) {
	t := &fakeTransport{}
	sess := player.New(id, "10.0.0.1", t)
	s.Require().NoError(s.reg.Register(sess))
	return sess, t
}

func (s *VerifierSuite) TestGuest() {
	sess, t := s.connect("c1")
	state := s.v.Verify(context.Background(), sess, Request{})

	s.Equal(GuestVerified, state)
	s.True(sess.Verified())
	s.Equal("Guest #1234", sess.Username())
	s.Empty(sess.AccountID())
	s.Equal([]string{push.TypeVerify, push.TypeCount}, t.types())
	s.Equal("Guest #1234", t.frame(0)["guestName"])
	s.EqualValues(1, t.frame(1)["c"])
}

func (s *VerifierSuite) TestGuestIsIdempotent() {
	sess, t := s.connect("c1")
	s.Equal(GuestVerified, s.v.Verify(context.Background(), sess, Request{Secret: NotLoggedIn}))
	s.Equal(GuestVerified, s.v.Verify(context.Background(), sess, Request{}))
	s.Len(t.types(), 2)
}

func (s *VerifierSuite) TestRejected() {
	sess, t := s.connect("c1")
	state := s.v.Verify(context.Background(), sess, Request{Secret: "wrong"})

	s.Equal(Rejected, state)
	s.False(sess.Verified())
	s.Equal([]string{push.TypeError}, t.types())
	s.Equal("Failed to login", t.frame(0)["message"])
	s.Equal(true, t.frame(0)["failedToLogin"])
	s.True(t.isClosed())
}

func (s *VerifierSuite) TestResolveTimeout() {
	v := s.newVerifier(blockingResolver{}, 20*time.Millisecond)
	sess, t := s.connect("c1")

	s.Equal(Rejected, v.Verify(context.Background(), sess, Request{Secret: "s1"}))
	s.True(t.isClosed())
}

func (s *VerifierSuite) TestUserStoreCallsAreBounded() {
	users := hangingStore{MemoryStore: s.users}
	ch := push.NewChannel(nil)
	v := New(Config{Timeout: 50 * time.Millisecond}, Deps{
		Resolver: identity.NewSecretResolver(s.users),
		Users:    users,
		Registry: s.reg,
		Games:    s.games,
		Friends:  friends.NewDirectory(users, s.reg, ch, s.pool),
		Channel:  ch,
	}, WithClock(func() time.Time { return fixedNow }))
	sess, _ := s.connect("c1")

	done := make(chan State, 1)
	go func() {
		done <- v.Verify(context.Background(), sess, Request{Secret: "s1", TZ: "UTC"})
	}()

	select {
	case state := <-done:
		s.Equal(Authenticated, state)
	case <-time.After(2 * time.Second):
		s.FailNow("verify blocked on user store")
	}
	s.Empty(sess.Social().Friends)
}

func (s *VerifierSuite) TestGuestNameWithShortCode() {
	v := New(Config{}, Deps{
		Resolver: identity.NewSecretResolver(s.users),
		Users:    s.users,
		Registry: s.reg,
		Games:    s.games,
		Friends:  friends.NewDirectory(s.users, s.reg, push.NewChannel(nil), s.pool),
		Channel:  push.NewChannel(nil),
	}, WithCodeFunc(func() int { return 42 }))
	sess, t := s.connect("c1")

	s.Equal(GuestVerified, v.Verify(context.Background(), sess, Request{}))
	s.Equal("Guest #0000", sess.Username())
	s.Equal("Guest #0000", t.frame(0)["guestName"])
}

func (s *VerifierSuite) TestAuthenticated() {
	sess, t := s.connect("c1")
	state := s.v.Verify(context.Background(), sess, Request{Secret: "s1"})

	s.Equal(Authenticated, state)
	id := sess.Identity()
	s.True(id.Verified)
	s.Equal("u1", id.AccountID)
	s.Equal("alice", id.Username)
	s.True(id.Supporter)
	s.Require().NotNil(id.Rating)
	s.Equal(2500, *id.Rating)
	s.Equal("Explorer", id.Tier)
	s.Equal([]string{push.TypeVerify, push.TypeCount}, t.types())
	s.NotContains(t.frame(0), "guestName")

	got, ok := s.reg.FindByAccountID("u1")
	s.True(ok)
	s.Same(sess, got)

	social := sess.Social()
	s.Require().Len(social.Friends, 1)
	s.Equal("bob", social.Friends[0].DisplayName)
	s.True(social.AllowFriendRequests)

	// 已认证的会话再次验证被忽略。
	s.Equal(Authenticated, s.v.Verify(context.Background(), sess, Request{Secret: "s2"}))
	s.Equal("u1", sess.AccountID())
}

func (s *VerifierSuite) TestGuestCanLogIn() {
	sess, _ := s.connect("c1")
	s.Equal(GuestVerified, s.v.Verify(context.Background(), sess, Request{}))
	s.Equal(Authenticated, s.v.Verify(context.Background(), sess, Request{Secret: "s1"}))
	s.Equal("alice", sess.Username())
}

func (s *VerifierSuite) TestStreakPersisted() {
	sess, t := s.connect("c1")
	s.Equal(Authenticated, s.v.Verify(context.Background(), sess, Request{Secret: "s1", TZ: "Europe/Paris"}))

	s.Equal([]string{push.TypeVerify, push.TypeCount, push.TypeStreak}, t.types())
	s.EqualValues(4, t.frame(2)["streak"])

	u, err := s.users.FindByID(context.Background(), "u1")
	s.Require().NoError(err)
	s.Equal(4, u.Streak)
	s.Equal("Europe/Paris", u.TimeZone)
	s.True(u.LastLogin.Equal(fixedNow))
}

func (s *VerifierSuite) TestInvalidTimezoneSkipsStreak() {
	sess, t := s.connect("c1")
	s.Equal(Authenticated, s.v.Verify(context.Background(), sess, Request{Secret: "s1", TZ: "Mars/Olympus"}))
	s.Equal([]string{push.TypeVerify, push.TypeCount}, t.types())

	u, err := s.users.FindByID(context.Background(), "u1")
	s.Require().NoError(err)
	s.Equal(3, u.Streak)
}

func (s *VerifierSuite) TestDuplicateRejected() {
	incumbent, it := s.connect("c1")
	s.Require().Equal(Authenticated, s.v.Verify(context.Background(), incumbent, Request{Secret: "s1"}))

	sess, t := s.connect("c2")
	state := s.v.Verify(context.Background(), sess, Request{Secret: "s1"})

	s.Equal(DuplicateRejected, state)
	s.Equal([]string{push.TypeError}, t.types())
	s.Equal("uac", t.frame(0)["message"])
	s.True(t.isClosed())
	s.Empty(sess.AccountID())

	got, ok := s.reg.FindByAccountID("u1")
	s.True(ok)
	s.Same(incumbent, got)
	s.False(it.isClosed())
}

func (s *VerifierSuite) TestReconnectMerged() {
	g := &fakeGame{id: "g1"}
	s.Require().NoError(s.games.Add(g))

	old, oldT := s.connect("c1")
	s.Require().Equal(Authenticated, s.v.Verify(context.Background(), old, Request{Secret: "s1"}))
	old.SetGameID("g1")
	token := old.RejoinToken()
	detached, err := s.reg.MoveToDisconnected(old, fixedNow)
	s.Require().NoError(err)
	s.Same(oldT, detached)

	shell, t := s.connect("c2")
	state := s.v.Verify(context.Background(), shell, Request{Secret: "s1"})

	s.Equal(ReconnectMerged, state)
	s.Equal("c2", old.ID())
	s.Same(t, old.Transport())
	s.Equal(token, old.RejoinToken())
	dc, _ := old.Disconnected()
	s.False(dc)
	s.Equal([]string{push.TypeVerify, push.TypeToast}, t.types())
	s.Equal("success", t.frame(1)["toastType"])
	s.Equal("reconnected", t.frame(1)["key"])
	s.Equal(1, g.rejoins)

	got, ok := s.reg.FindByID("c2")
	s.True(ok)
	s.Same(old, got)
	s.Equal(1, s.reg.Count())
	s.Equal(0, s.reg.DisconnectedCount())
	s.Empty(shell.AccountID())
}

func (s *VerifierSuite) TestReconnectStaleGame() {
	old, _ := s.connect("c1")
	s.Require().Equal(Authenticated, s.v.Verify(context.Background(), old, Request{Secret: "s1"}))
	old.SetGameID("finished")
	_, err := s.reg.MoveToDisconnected(old, fixedNow)
	s.Require().NoError(err)

	shell, t := s.connect("c2")
	s.Equal(ReconnectMerged, s.v.Verify(context.Background(), shell, Request{Secret: "s1"}))
	s.Equal([]string{push.TypeVerify}, t.types())
}

func (s *VerifierSuite) TestConcurrentLoginsSingleWinner() {
	const n = 8
	states := make([]State, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		sess, _ := s.connect(string(rune('a' + i)))
		wg.Add(1)
		go func(i int, sess *player.Session) {
			defer wg.Done()
			states[i] = s.v.Verify(context.Background(), sess, Request{Secret: "s1"})
		}(i, sess)
	}
	wg.Wait()

	counts := map[State]int{}
	for _, st := range states {
		counts[st]++
	}
	s.Equal(1, counts[Authenticated])
	s.Equal(n-1, counts[DuplicateRejected])
}

func TestVerifier(t *testing.T) {
	suite.Run(t, new(VerifierSuite))
}

func TestComputeStreak(t *testing.T) {
	paris, err := LoadTimezone("Europe/Paris")
	require.NoError(t, err)
	now := time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)

	cases := []struct {
		name    string
		user    store.User
		want    int
		changed bool
	}{
		{"consecutive day", store.User{Streak: 5, FirstLoginComplete: true, TimeZone: "UTC", LastLogin: now.Add(-24 * time.Hour)}, 6, true},
		{"gap", store.User{Streak: 5, FirstLoginComplete: true, TimeZone: "UTC", LastLogin: now.Add(-72 * time.Hour)}, 0, true},
		{"same day", store.User{Streak: 5, FirstLoginComplete: true, TimeZone: "UTC", LastLogin: now.Add(-time.Hour)}, 5, false},
		{"first login", store.User{Streak: 0, FirstLoginComplete: false}, 1, true},
		{"first login same day", store.User{Streak: 7, FirstLoginComplete: false, TimeZone: "UTC", LastLogin: now}, 1, true},
		{"unknown stored timezone", store.User{Streak: 2, FirstLoginComplete: true, TimeZone: "Nowhere/City", LastLogin: now.Add(-24 * time.Hour)}, 3, true},
	}
	for _, c := range cases {
		streak, changed := ComputeStreak(&c.user, paris, now)
		assert.Equal(t, c.want, streak, c.name)
		assert.Equal(t, c.changed, changed, c.name)
	}
}

// 日期按各自时区计算：UTC 前一天 23:30 的登录在东京已是今天。
func TestComputeStreakUsesCalendarDays(t *testing.T) {
	tokyo, err := LoadTimezone("Asia/Tokyo")
	require.NoError(t, err)
	now := time.Date(2026, 5, 10, 1, 0, 0, 0, time.UTC)
	u := store.User{Streak: 4, FirstLoginComplete: true, TimeZone: "Asia/Tokyo",
		LastLogin: time.Date(2026, 5, 9, 23, 30, 0, 0, time.UTC)}

	streak, changed := ComputeStreak(&u, tokyo, now)
	assert.Equal(t, 4, streak)
	assert.False(t, changed)
}

func TestLoadTimezone(t *testing.T) {
	_, err := LoadTimezone("")
	assert.Error(t, err)
	_, err = LoadTimezone("Local")
	assert.Error(t, err)
	_, err = LoadTimezone("Not/AZone")
	assert.Error(t, err)
	loc, err := LoadTimezone("America/New_York")
	require.NoError(t, err)
	assert.Equal(t, "America/New_York", loc.String())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "reconnect_merged", ReconnectMerged.String())
	assert.Equal(t, "unknown", State(42).String())
	assert.True(t, DuplicateRejected.Terminal())
	assert.False(t, PendingAuth.Terminal())
}
