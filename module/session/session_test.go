package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"PPSync/module/chat/controller"
	"PPSync/module/chat/model"
	"PPSync/module/chat/unconfirmed"
	"PPSync/service/backend"
	"PPSync/service/backend/wire"
	"PPSync/service/ledger"
	"PPSync/service/peer"
	"PPSync/service/storage/memory"
	"PPSync/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func text(s string) model.Content { return model.Content{Kind: model.ContentText, Text: s} }

func newLedger(t *testing.T, msgs int) *ledger.Ledger {
	t.Helper()
	l := ledger.New(ledger.Config{})
	require.NoError(t, l.CreateChat("c", "room", "b", "a"))
	for i := 0; i < msgs; i++ {
		_, err := l.Client("b").SendMessage(context.Background(), backend.SendRequest{
			ChatID: "c", MessageID: fmt.Sprintf("seed-%d", i), Content: text("x")})
		require.NoError(t, err)
	}
	return l
}

func newSession(t *testing.T, l *ledger.Ledger, user string, p2p bool) *Session {
	t.Helper()
	parts := Parts{Backend: l.Client(user), Store: memory.New(), Watcher: l.Client(user)}
	conf := Config{User: user, DisableP2P: !p2p}
	if p2p {
		parts.Relay = l.Rendezvous()
		conf.Peer.PollInterval = 50 * time.Millisecond
	}
	s, err := New(context.Background(), conf, parts, nil)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestChatIsOpenedOnce(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, 3)
	s := newSession(t, l, "a", false)

	c1, err := s.Chat(ctx, "c")
	require.NoError(t, err)
	c2, err := s.Chat(ctx, "c")
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.Len(t, c1.Events(), 6)

	_, err = s.Chat(ctx, "missing")
	require.Error(t, err)
	assert.Nil(t, s.controller("missing"))
}

func TestNudgeTriggersPoll(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := newLedger(t, 1)
	s := newSession(t, l, "a", false)
	s.conf.Chat.PollInterval = time.Hour
	c, err := s.Chat(ctx, "c")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	_, err = l.Client("b").SendMessage(ctx, backend.SendRequest{ChatID: "c", MessageID: "pushed", Content: text("hey")})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		for _, it := range c.Events() {
			if m := it.Message(); m != nil && m.MessageID == "pushed" {
				return true
			}
		}
		// 订阅是异步建立的，没收到就再推一次
		s.nudge(wire.Nudge{Type: wire.NudgeChat, ChatID: "c"})
		return false
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestRouteByChat(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, 1)
	s := newSession(t, l, "a", false)
	c, err := s.Chat(ctx, "c")
	require.NoError(t, err)

	s.route(peer.NewEnvelope(peer.KindTyping, "c", "b", 1))
	s.route(peer.NewEnvelope(peer.KindTyping, "other", "x", 1))
	assert.Equal(t, []string{"b"}, c.Typing())
}

func TestCloseStopsEverything(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, 1)
	s := newSession(t, l, "a", false)
	c, err := s.Chat(ctx, "c")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.stop != nil
	}, time.Second, 5*time.Millisecond)

	s.Close()
	s.Close()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("run did not stop")
	}
	_, err = c.Send(ctx, text("late"), controller.SendOptions{})
	assert.True(t, errs.IsCode(err, errs.InvalidArgument))
	_, err = s.Chat(ctx, "c")
	assert.Error(t, err)
}

func TestCloseChatKeepsUnconfirmed(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, 1)
	s := newSession(t, l, "a", false)
	_, err := s.Chat(ctx, "c")
	require.NoError(t, err)
	ev := model.EventWrapper{Event: &model.Message{MessageID: "local", MessageIndex: 1, Sender: "a", Content: text("x")}, Index: 4}
	_, err = s.Pending().Add("c", ev)
	require.NoError(t, err)

	s.CloseChat("c")
	c, err := s.Chat(ctx, "c")
	require.NoError(t, err)
	var pending int
	for _, it := range c.Events() {
		if it.State != unconfirmed.Confirmed {
			pending++
		}
	}
	assert.Equal(t, 1, pending)
}

func TestOpenRejectsBadConfig(t *testing.T) {
	_, err := Open(context.Background(), Config{}, nil)
	assert.True(t, errs.IsCode(err, errs.InvalidArgument))

	_, err = openStore(context.Background(), StorageConfig{Driver: "floppy"}, "a")
	assert.True(t, errs.IsCode(err, errs.InvalidArgument))

	_, err = dialRelay(Config{User: "a", Signal: SignalConfig{Driver: "pigeon"}}, "http://x", nil)
	assert.True(t, errs.IsCode(err, errs.InvalidArgument))
}

// gatedBackend 让发送停在后端确认之前
type gatedBackend struct {
	backend.Backend
	release chan struct{}
}

func (g *gatedBackend) SendMessage(ctx context.Context, req backend.SendRequest) (backend.SendResult, error) {
	<-g.release
	return g.Backend.SendMessage(ctx, req)
}

func TestPeerMessageArrivesBeforeBackend(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real data channels")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := newLedger(t, 2)
	a := newSession(t, l, "a", true)
	gate := &gatedBackend{Backend: l.Client("a"), release: make(chan struct{})}
	a.parts.Backend = gate
	b := newSession(t, l, "b", true)

	ca, err := a.Chat(ctx, "c")
	require.NoError(t, err)
	cb, err := b.Chat(ctx, "c")
	require.NoError(t, err)
	go func() { _ = a.Run(ctx) }()
	go func() { _ = b.Run(ctx) }()

	require.Eventually(t, func() bool {
		return a.Peers().State("b") == peer.StateConnected && b.Peers().State("a") == peer.StateConnected
	}, 15*time.Second, 50*time.Millisecond)

	sent := make(chan string, 1)
	go func() {
		id, _ := ca.Send(ctx, text("over p2p"), controller.SendOptions{})
		sent <- id
	}()
	require.Eventually(t, func() bool {
		for _, it := range cb.Events() {
			if it.FromPeer {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	close(gate.release)
	id := <-sent
	require.NoError(t, cb.Poll(ctx))
	var n int
	for _, it := range cb.Events() {
		if m := it.Message(); m != nil && m.MessageID == id {
			n++
			assert.Equal(t, unconfirmed.Confirmed, it.State)
		}
	}
	assert.Equal(t, 1, n)
}
