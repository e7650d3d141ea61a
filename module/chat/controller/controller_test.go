package controller

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"PPSync/module/chat/cache"
	"PPSync/module/chat/model"
	"PPSync/module/chat/readstate"
	"PPSync/module/chat/unconfirmed"
	"PPSync/service/backend"
	"PPSync/service/ledger"
	"PPSync/service/peer"
	"PPSync/service/storage/memory"
	"PPSync/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fanout 同步地把信封交给其他用户的 controller，代替真实数据通道
type fanout struct {
	mu   sync.Mutex
	ctls map[string]*Controller
	sent []peer.Envelope
}

func newFanout() *fanout { return &fanout{ctls: map[string]*Controller{}} }

func (f *fanout) Broadcast(env peer.Envelope, peers ...string) int {
	f.mu.Lock()
	f.sent = append(f.sent, env)
	var targets []*Controller
	for _, p := range peers {
		if c, ok := f.ctls[p]; ok {
			targets = append(targets, c)
		}
	}
	f.mu.Unlock()
	for _, c := range targets {
		c.HandleEnvelope(context.Background(), env)
	}
	return len(targets)
}

func (f *fanout) join(user string, c *Controller) {
	f.mu.Lock()
	f.ctls[user] = c
	f.mu.Unlock()
}

// gated 发送阻塞到 release 关闭，模拟后端确认之前的窗口
type gated struct {
	backend.Backend
	release chan struct{}
}

func (g *gated) SendMessage(ctx context.Context, req backend.SendRequest) (backend.SendResult, error) {
	select {
	case <-g.release:
	case <-ctx.Done():
		return backend.SendResult{}, ctx.Err()
	}
	return g.Backend.SendMessage(ctx, req)
}

// flaky 前 n 次发送返回网络错误
type flaky struct {
	backend.Backend
	mu sync.Mutex
	n  int
}

func (f *flaky) SendMessage(ctx context.Context, req backend.SendRequest) (backend.SendResult, error) {
	f.mu.Lock()
	fail := f.n > 0
	f.n--
	f.mu.Unlock()
	if fail {
		return backend.SendResult{}, errs.ErrNetworkFailure.WrapMsg("offline")
	}
	return f.Backend.SendMessage(ctx, req)
}

func (f *flaky) ToggleReaction(ctx context.Context, req backend.ReactionRequest) error {
	f.mu.Lock()
	fail := f.n > 0
	f.n--
	f.mu.Unlock()
	if fail {
		return errs.ErrNetworkFailure.WrapMsg("offline")
	}
	return f.Backend.ToggleReaction(ctx, req)
}

type harness struct {
	ctl     *Controller
	cache   *cache.Cache
	reads   *readstate.Tracker
	pending *unconfirmed.Store
}

func newHarness(t *testing.T, user string, be backend.Backend, peers Broadcaster, pageSize int, conf Config) *harness {
	t.Helper()
	ch, err := cache.Open(context.Background(), memory.New(), cache.Options{PageSize: pageSize})
	require.NoError(t, err)
	pending := unconfirmed.New(unconfirmed.Config{Clock: conf.Clock})
	reads := readstate.New(be, pending, nil)
	ctl := New(conf, "c", Deps{User: user, Backend: be, Cache: ch, Reads: reads, Pending: pending, Peers: peers})
	t.Cleanup(ctl.Close)
	return &harness{ctl: ctl, cache: ch, reads: reads, pending: pending}
}

func text(s string) model.Content { return model.Content{Kind: model.ContentText, Text: s} }

// seed 建会话 c（b 创建，a 加入），b 发 n 条消息
func seed(t *testing.T, n int) *ledger.Ledger {
	t.Helper()
	l := ledger.New(ledger.Config{})
	require.NoError(t, l.CreateChat("c", "room", "b", "a"))
	for i := 0; i < n; i++ {
		_, err := l.Client("b").SendMessage(context.Background(), backend.SendRequest{
			ChatID: "c", MessageID: fmt.Sprintf("seed-%d", i), Content: text(fmt.Sprintf("msg %d", i))})
		require.NoError(t, err)
	}
	return l
}

func byMessageID(items []Item, id string) []Item {
	var out []Item
	for _, it := range items {
		if m := it.Message(); m != nil && m.MessageID == id {
			out = append(out, it)
		}
	}
	return out
}

func pendingItems(items []Item) []Item {
	var out []Item
	for _, it := range items {
		if it.State != unconfirmed.Confirmed {
			out = append(out, it)
		}
	}
	return out
}

func TestPeerMessageThenBackendConfirmation(t *testing.T) {
	ctx := context.Background()
	l := seed(t, 7)
	net := newFanout()
	gate := &gated{Backend: l.Client("a"), release: make(chan struct{})}
	a := newHarness(t, "a", gate, net, 40, Config{})
	b := newHarness(t, "b", l.Client("b"), net, 40, Config{})
	net.join("a", a.ctl)
	net.join("b", b.ctl)
	require.NoError(t, a.ctl.Open(ctx))
	require.NoError(t, b.ctl.Open(ctx))

	done := make(chan error, 1)
	go func() {
		_, err := a.ctl.Send(ctx, text("hi"), SendOptions{})
		done <- err
	}()

	// b 通过 P2P 先看到 a 未确认的消息
	require.Eventually(t, func() bool { return len(pendingItems(b.ctl.Events())) == 1 }, 2*time.Second, 5*time.Millisecond)
	it := pendingItems(b.ctl.Events())[0]
	assert.True(t, it.FromPeer)
	assert.Equal(t, int64(7), it.Message().MessageIndex)
	assert.Equal(t, "hi", it.Message().Content.Text)
	id := it.Message().MessageID

	b.ctl.MarkRead(7, id)
	assert.True(t, b.reads.IsWaiting("c", id))
	assert.Equal(t, []string{"b"}, a.ctl.ReadBy(7), "read receipt reached the sender")

	close(gate.release)
	require.NoError(t, <-done)

	got := byMessageID(a.ctl.Events(), id)
	require.Len(t, got, 1)
	assert.Equal(t, unconfirmed.Confirmed, got[0].State)
	assert.Equal(t, int64(7), got[0].Message().MessageIndex)

	require.NoError(t, b.ctl.Poll(ctx))
	got = byMessageID(b.ctl.Events(), id)
	require.Len(t, got, 1)
	assert.Equal(t, unconfirmed.Confirmed, got[0].State)
	assert.Equal(t, int64(7), got[0].Message().MessageIndex)
	assert.Equal(t, 0, b.pending.Len("c"))
	assert.False(t, b.reads.IsWaiting("c", id))
	assert.True(t, b.reads.IsRead("c", 7, id))

	// 迟到的重复 "sent" 不会产生第二条或回退下标
	stale := peer.NewEnvelope(peer.KindSent, "c", "a", 1)
	stale.Message = &model.Message{MessageID: id, MessageIndex: 7, Sender: "a", Content: text("hi")}
	b.ctl.HandleEnvelope(ctx, stale)
	got = byMessageID(b.ctl.Events(), id)
	require.Len(t, got, 1)
	assert.Equal(t, unconfirmed.Confirmed, got[0].State)
	assert.Equal(t, 0, b.pending.Len("c"))
}

func TestStalePeerSentForMessageOutsideLoadedWindow(t *testing.T) {
	ctx := context.Background()
	l := seed(t, 3)
	b := newHarness(t, "b", l.Client("b"), nil, 40, Config{})
	require.NoError(t, b.ctl.Open(ctx))

	res, err := l.Client("a").SendMessage(ctx, backend.SendRequest{ChatID: "c", MessageID: "m-old", Content: text("x")})
	require.NoError(t, err)
	require.NoError(t, b.ctl.Poll(ctx))
	// 列表被清空（比如跳到别处），缓存里仍有确认记录
	b.ctl.mu.Lock()
	b.ctl.events = map[int64]model.EventWrapper{}
	b.ctl.byMessageID = map[string]int64{}
	b.ctl.mu.Unlock()

	env := peer.NewEnvelope(peer.KindSent, "c", "a", 1)
	env.Message = &model.Message{MessageID: "m-old", MessageIndex: res.MessageIndex, Sender: "a", Content: text("x")}
	b.ctl.HandleEnvelope(ctx, env)
	assert.Equal(t, 0, b.pending.Len("c"))
}

func TestSendFailureStaysVisibleAndRetryKeepsID(t *testing.T) {
	ctx := context.Background()
	l := seed(t, 2)
	be := &flaky{Backend: l.Client("a"), n: 1}
	a := newHarness(t, "a", be, nil, 40, Config{})
	require.NoError(t, a.ctl.Open(ctx))

	id, err := a.ctl.Send(ctx, text("hello"), SendOptions{})
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.NetworkFailure))
	require.NotEmpty(t, id)

	items := byMessageID(a.ctl.Events(), id)
	require.Len(t, items, 1)
	assert.Equal(t, unconfirmed.Failed, items[0].State)
	assert.Error(t, items[0].Err)

	require.NoError(t, a.ctl.Retry(ctx, id))
	items = byMessageID(a.ctl.Events(), id)
	require.Len(t, items, 1)
	assert.Equal(t, unconfirmed.Confirmed, items[0].State)
	assert.Equal(t, int64(2), items[0].Message().MessageIndex)

	// 已确认的不能再 Retry
	assert.Error(t, a.ctl.Retry(ctx, id))
}

func TestDiscardUnconfirmedNotifiesPeers(t *testing.T) {
	ctx := context.Background()
	l := seed(t, 1)
	net := newFanout()
	be := &flaky{Backend: l.Client("a"), n: 1}
	a := newHarness(t, "a", be, net, 40, Config{})
	b := newHarness(t, "b", l.Client("b"), net, 40, Config{})
	net.join("a", a.ctl)
	net.join("b", b.ctl)
	require.NoError(t, a.ctl.Open(ctx))
	require.NoError(t, b.ctl.Open(ctx))

	id, err := a.ctl.Send(ctx, text("oops"), SendOptions{})
	require.Error(t, err)
	require.Len(t, pendingItems(b.ctl.Events()), 1)

	require.NoError(t, a.ctl.Delete(ctx, id))
	assert.Empty(t, pendingItems(a.ctl.Events()))
	assert.Empty(t, pendingItems(b.ctl.Events()))
}

func TestOpenWritesThroughCache(t *testing.T) {
	ctx := context.Background()
	l := seed(t, 5)
	a := newHarness(t, "a", l.Client("a"), nil, 40, Config{})
	require.NoError(t, a.ctl.Open(ctx))
	assert.Len(t, a.ctl.Events(), 8)

	r := a.cache.Window(ctx, "c", model.IndexRange{Min: 0, Max: 7}, 4)
	assert.Equal(t, cache.MissNone, r.Miss)
	assert.Equal(t, []string{"a", "b"}, a.ctl.Participants())
	assert.Equal(t, 5, a.ctl.Unread())
}

func TestLoadPreviousReachesStart(t *testing.T) {
	ctx := context.Background()
	l := seed(t, 20)
	a := newHarness(t, "a", l.Client("a"), nil, 4, Config{})
	require.NoError(t, a.ctl.Open(ctx))
	first := len(a.ctl.Events())
	require.Less(t, first, 23)

	for i := 0; i < 20; i++ {
		more, err := a.ctl.LoadPrevious(ctx)
		require.NoError(t, err)
		if !more {
			break
		}
	}
	items := a.ctl.Events()
	require.Len(t, items, 23)
	for i, it := range items {
		assert.Equal(t, int64(i), it.Event.Index)
	}
}

func TestPollCatchesUpAndRefreshesUpdatedEvents(t *testing.T) {
	ctx := context.Background()
	l := seed(t, 3)
	a := newHarness(t, "a", l.Client("a"), nil, 40, Config{})
	require.NoError(t, a.ctl.Open(ctx))

	require.NoError(t, l.Client("b").ToggleReaction(ctx, backend.ReactionRequest{ChatID: "c", MessageID: "seed-0", Reaction: "+1", Add: true}))
	_, err := l.Client("b").SendMessage(ctx, backend.SendRequest{ChatID: "c", MessageID: "late", Content: text("late")})
	require.NoError(t, err)

	var snaps int
	unsub := a.ctl.Subscribe(func(Snapshot) { snaps++ })
	defer unsub()
	require.NoError(t, a.ctl.Poll(ctx))
	assert.Positive(t, snaps)

	items := a.ctl.Events()
	require.Len(t, byMessageID(items, "late"), 1)
	m := byMessageID(items, "seed-0")[0].Message()
	assert.True(t, m.HasReaction("+1", "b"))

	// 缓存里的旧副本已作废，重新读到的是新副本
	r := a.cache.ByIndexes(ctx, "c", []int64{3})
	require.Len(t, r.Events, 1)
	cm, _ := r.Events[0].Message()
	assert.True(t, cm.HasReaction("+1", "b"))
}

func TestToggleReactionOptimisticAndRevert(t *testing.T) {
	ctx := context.Background()
	l := seed(t, 1)
	be := &flaky{Backend: l.Client("a"), n: 1}
	a := newHarness(t, "a", be, nil, 40, Config{})
	require.NoError(t, a.ctl.Open(ctx))

	err := a.ctl.ToggleReaction(ctx, "seed-0", "+1")
	require.Error(t, err)
	assert.False(t, byMessageID(a.ctl.Events(), "seed-0")[0].Message().HasReaction("+1", "a"))

	require.NoError(t, a.ctl.ToggleReaction(ctx, "seed-0", "+1"))
	assert.True(t, byMessageID(a.ctl.Events(), "seed-0")[0].Message().HasReaction("+1", "a"))
	require.NoError(t, a.ctl.ToggleReaction(ctx, "seed-0", "+1"))
	assert.False(t, byMessageID(a.ctl.Events(), "seed-0")[0].Message().HasReaction("+1", "a"))
}

func TestDeleteOnlyOwnMessages(t *testing.T) {
	ctx := context.Background()
	l := seed(t, 1)
	a := newHarness(t, "a", l.Client("a"), nil, 40, Config{})
	require.NoError(t, a.ctl.Open(ctx))
	assert.True(t, errs.IsCode(a.ctl.Delete(ctx, "seed-0"), errs.InvalidArgument))

	id, err := a.ctl.Send(ctx, text("mine"), SendOptions{})
	require.NoError(t, err)
	require.NoError(t, a.ctl.Delete(ctx, id))
	assert.NotNil(t, byMessageID(a.ctl.Events(), id)[0].Message().Deleted)
	require.NoError(t, a.ctl.Undelete(ctx, id))
	assert.Nil(t, byMessageID(a.ctl.Events(), id)[0].Message().Deleted)
}

func TestPeerUpdatesAreAdvisory(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1_000_000)
	clock := func() time.Time { return now }
	l := seed(t, 1)
	a := newHarness(t, "a", l.Client("a"), nil, 40, Config{Clock: clock, TypingTTL: time.Second, OverlayTTL: time.Minute})
	require.NoError(t, a.ctl.Open(ctx))

	typing := peer.NewEnvelope(peer.KindTyping, "c", "b", 1)
	a.ctl.HandleEnvelope(ctx, typing)
	assert.Equal(t, []string{"b"}, a.ctl.Typing())

	react := peer.NewEnvelope(peer.KindToggledReaction, "c", "b", 1)
	react.MessageID, react.Reaction, react.Added = "seed-0", "<3", true
	a.ctl.HandleEnvelope(ctx, react)
	assert.True(t, byMessageID(a.ctl.Events(), "seed-0")[0].Message().HasReaction("<3", "b"))

	// 不是发送者的删除被忽略
	del := peer.NewEnvelope(peer.KindDeleted, "c", "mallory", 1)
	del.MessageID = "seed-0"
	a.ctl.HandleEnvelope(ctx, del)
	assert.Nil(t, byMessageID(a.ctl.Events(), "seed-0")[0].Message().Deleted)

	// 其他会话的消息不处理
	other := peer.NewEnvelope(peer.KindTyping, "elsewhere", "mallory", 1)
	a.ctl.HandleEnvelope(ctx, other)
	assert.Equal(t, []string{"b"}, a.ctl.Typing())

	// 后端一直没有体现，过期后回到后端状态
	now = now.Add(2 * time.Minute)
	require.NoError(t, a.ctl.Poll(ctx))
	assert.Empty(t, a.ctl.Typing())
	assert.False(t, byMessageID(a.ctl.Events(), "seed-0")[0].Message().HasReaction("<3", "b"))
}

func TestUnconfirmedPeerMessagesArePruned(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1_000_000)
	clock := func() time.Time { return now }
	l := seed(t, 1)
	a := newHarness(t, "a", l.Client("a"), nil, 40, Config{Clock: clock, PeerEntryTTL: time.Minute})
	require.NoError(t, a.ctl.Open(ctx))

	env := peer.NewEnvelope(peer.KindSent, "c", "b", 1)
	env.Message = &model.Message{MessageID: "ghost", MessageIndex: 1, Sender: "b", Content: text("boo")}
	a.ctl.HandleEnvelope(ctx, env)
	a.ctl.MarkRead(1, "ghost")
	require.Len(t, pendingItems(a.ctl.Events()), 1)
	assert.True(t, a.reads.IsWaiting("c", "ghost"))

	now = now.Add(2 * time.Minute)
	require.NoError(t, a.ctl.Poll(ctx))
	assert.Empty(t, pendingItems(a.ctl.Events()))
	assert.False(t, a.reads.IsWaiting("c", "ghost"))
}

func TestReplyTargetsAreRehydrated(t *testing.T) {
	ctx := context.Background()
	l := seed(t, 10)
	_, err := l.Client("b").SendMessage(ctx, backend.SendRequest{ChatID: "c", MessageID: "reply", Content: text("re"),
		RepliesTo: &model.ReplyContext{EventIndex: 3, MessageID: "seed-0"}})
	require.NoError(t, err)

	a := newHarness(t, "a", l.Client("a"), nil, 4, Config{})
	require.NoError(t, a.ctl.Open(ctx))
	items := a.ctl.Events()
	require.Greater(t, items[0].Event.Index, int64(3), "window does not reach the reply target")

	r := byMessageID(items, "reply")
	require.Len(t, r, 1)
	require.NotNil(t, r[0].ReplyTo)
	m, _ := r[0].ReplyTo.Message()
	assert.Equal(t, "seed-0", m.MessageID)
}

type blockingWindow struct {
	backend.Backend
	entered chan struct{}
	release chan struct{}
}

func (b *blockingWindow) EventsWindow(ctx context.Context, chat string, bounds model.IndexRange, center int64, pageSize int) ([]model.EventWrapper, error) {
	close(b.entered)
	<-b.release
	return b.Backend.EventsWindow(ctx, chat, bounds, center, pageSize)
}

func TestLateFetchAfterCloseIsDiscarded(t *testing.T) {
	ctx := context.Background()
	l := seed(t, 3)
	be := &blockingWindow{Backend: l.Client("a"), entered: make(chan struct{}), release: make(chan struct{})}
	a := newHarness(t, "a", be, nil, 40, Config{})

	done := make(chan error, 1)
	go func() { done <- a.ctl.Open(ctx) }()
	<-be.entered
	a.ctl.Close()
	close(be.release)
	require.NoError(t, <-done)
	assert.Empty(t, a.ctl.Events())
}

func TestTypingBroadcastIsThrottled(t *testing.T) {
	ctx := context.Background()
	l := seed(t, 1)
	net := newFanout()
	a := newHarness(t, "a", l.Client("a"), net, 40, Config{TypingEvery: time.Hour})
	require.NoError(t, a.ctl.Open(ctx))
	for i := 0; i < 5; i++ {
		a.ctl.StartTyping()
	}
	a.ctl.StopTyping()
	var kinds []peer.Kind
	for _, e := range net.sent {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []peer.Kind{peer.KindTyping, peer.KindStoppedTyping}, kinds)
}
