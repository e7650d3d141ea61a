package httpapi

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"PPSync/module/chat/model"
	"PPSync/module/chat/rangeset"
	"PPSync/service/backend"
	"PPSync/service/backend/wire"
	"PPSync/service/ledger"
	"PPSync/service/ledger/api"
	"PPSync/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T) (*ledger.Ledger, *httptest.Server) {
	t.Helper()
	l := ledger.New(ledger.Config{})
	ts := httptest.NewServer(api.NewServer(l, api.Config{}, nil).Handler())
	t.Cleanup(ts.Close)
	return l, ts
}

func TestRoundTripThroughLedgerAPI(t *testing.T) {
	ctx := context.Background()
	_, ts := newServer(t)
	alice := New(Config{BaseURL: ts.URL}, "alice", nil)
	bob := New(Config{BaseURL: ts.URL}, "bob", nil)

	require.NoError(t, alice.CreateChat(ctx, "c", "room", "bob"))
	res, err := alice.SendMessage(ctx, backend.SendRequest{ChatID: "c", MessageID: "m1",
		Content: model.Content{Kind: model.ContentText, Text: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.MessageIndex)

	evs, err := bob.EventsWindow(ctx, "c", model.IndexRange{Min: 0, Max: 100}, 0, 10)
	require.NoError(t, err)
	require.NotEmpty(t, evs)
	last, ok := evs[len(evs)-1].Message()
	require.True(t, ok)
	assert.Equal(t, "hi", last.Content.Text)

	require.NoError(t, bob.ToggleReaction(ctx, backend.ReactionRequest{ChatID: "c", MessageID: "m1", Reaction: "+1", Add: true}))
	require.NoError(t, bob.MarkRead(ctx, []model.ReadBatch{{ChatID: "c", Ranges: []rangeset.Range{{From: 0, To: 0}}}}))
	sum, err := bob.ChatSummary(ctx, "c", 0)
	require.NoError(t, err)
	assert.Equal(t, []rangeset.Range{{From: 0, To: 0}}, sum.ReadRanges)
	assert.Equal(t, []int64{res.Index}, sum.UpdatedEvents)

	require.NoError(t, alice.DeleteMessage(ctx, "c", "m1"))
	require.NoError(t, alice.UndeleteMessage(ctx, "c", "m1"))
	got, err := bob.EventsByIndex(ctx, "c", []int64{res.Index})
	require.NoError(t, err)
	m, _ := got[0].Message()
	assert.Nil(t, m.Deleted)

	members, err := bob.Members(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, members)
}

func TestBusinessErrorsKeepTheirCode(t *testing.T) {
	_, ts := newServer(t)
	c := New(Config{BaseURL: ts.URL}, "alice", nil)
	_, err := c.ChatSummary(context.Background(), "missing", 0)
	assert.True(t, errs.IsCode(err, errs.NotFound))
	assert.False(t, errs.IsCode(err, errs.NetworkFailure))
}

func TestBreakerOpensAfterNetworkFailures(t *testing.T) {
	_, ts := newServer(t)
	url := ts.URL
	ts.Close()

	c := New(Config{BaseURL: url, Timeout: time.Second, Breaker: BreakerConfig{MaxFailures: 2, OpenTimeout: time.Minute}}, "alice", nil)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := c.ChatSummary(ctx, "c", 0)
		require.True(t, errs.IsCode(err, errs.NetworkFailure))
	}
	_, err := c.ChatSummary(ctx, "c", 0)
	assert.True(t, errs.IsCode(err, errs.BreakerOpen))
	assert.True(t, errs.IsCode(err, errs.NetworkFailure), "breaker-open is a kind of network failure")
}

func TestWatchDeliversNudges(t *testing.T) {
	l, ts := newServer(t)
	require.NoError(t, l.CreateChat("c", "room", "alice", "bob"))
	bob := New(Config{BaseURL: ts.URL}, "bob", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan wire.Nudge, 8)
	go func() { _ = bob.Watch(ctx, func(n wire.Nudge) { got <- n }) }()

	// 订阅建立前的写入不会推送，重复写直到收到
	deadline := time.After(3 * time.Second)
	for i := 0; ; i++ {
		_, err := l.Client("alice").SendMessage(context.Background(), backend.SendRequest{
			ChatID: "c", MessageID: "m" + string(rune('a'+i)), Content: model.Content{Kind: model.ContentText, Text: "x"}})
		require.NoError(t, err)
		select {
		case n := <-got:
			assert.Equal(t, wire.NudgeChat, n.Type)
			assert.Equal(t, "c", n.ChatID)
			return
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("no nudge received")
		}
	}
}

func TestWatchURL(t *testing.T) {
	u, err := watchURL("https://ledger.example/base/", "bob")
	require.NoError(t, err)
	assert.Equal(t, "wss://ledger.example/base/v1/watch?user=bob", u)
}
