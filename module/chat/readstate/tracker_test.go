package readstate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"PPSync/module/chat/model"
	"PPSync/module/chat/rangeset"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu    sync.Mutex
	calls [][]model.ReadBatch
	fail  error
}

func (f *fakeSink) MarkRead(_ context.Context, b []model.ReadBatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, b)
	return f.fail
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type pendingSet map[string]bool

func (p pendingSet) Contains(_, id string) bool { return p[id] }

func TestUnreadCountFullLifecycle(t *testing.T) {
	tr := New(nil, nil, nil)
	assert.Equal(t, 101, tr.UnreadMessageCount("c", 0, 100))

	tr.MarkRangeRead("c", rangeset.Range{From: 0, To: 100})
	assert.Equal(t, 0, tr.UnreadMessageCount("c", 0, 100))

	tr.SyncWithServer("c", []rangeset.Range{{From: 0, To: 100}})
	assert.Equal(t, 0, tr.UnreadMessageCount("c", 0, 100))
	assert.Empty(t, tr.chats["c"].local, "server caught up, local state is reconciled away")
}

func TestUnreadCountEmptyConversation(t *testing.T) {
	tr := New(nil, nil, nil)
	assert.Equal(t, 0, tr.UnreadMessageCount("c", 0, NoMessages))
}

func TestSyncKeepsLocalAheadOfServer(t *testing.T) {
	tr := New(nil, nil, nil)
	tr.MarkMessageRead("c", 5, "x5")
	tr.SyncWithServer("c", []rangeset.Range{{From: 0, To: 3}})
	assert.Equal(t, []rangeset.Range{{From: 5, To: 5}}, tr.chats["c"].local)
	assert.Equal(t, []rangeset.Range{{From: 0, To: 3}, {From: 5, To: 5}}, tr.Ranges("c"))
	assert.Equal(t, 5, tr.UnreadMessageCount("c", 0, 9))
}

func TestWaitingPromotion(t *testing.T) {
	pending := pendingSet{"X": true}
	tr := New(nil, pending, nil)

	tr.MarkMessageRead("c", 9, "X")
	assert.True(t, tr.IsWaiting("c", "X"))
	assert.True(t, tr.IsRead("c", 9, "X"))
	assert.Equal(t, 9, tr.UnreadMessageCount("c", 0, 9), "waiting ids count as read")

	delete(pending, "X")
	assert.True(t, tr.ConfirmMessage("c", 7, "X"))
	assert.False(t, tr.IsWaiting("c", "X"))
	assert.True(t, rangeset.Contains(tr.Ranges("c"), 7))
	assert.False(t, tr.ConfirmMessage("c", 7, "X"), "second confirmation is a no-op")
}

func TestForgetDropsWaiting(t *testing.T) {
	tr := New(nil, pendingSet{"X": true}, nil)
	tr.MarkMessageRead("c", 3, "X")
	tr.Forget("c", "X")
	assert.False(t, tr.IsWaiting("c", "X"))
}

func TestFlushBatchesAcrossChatsAndRetriesOnFailure(t *testing.T) {
	sink := &fakeSink{fail: errors.New("offline")}
	tr := New(sink, nil, nil)
	tr.MarkMessageRead("a", 1, "")
	tr.MarkRangeRead("b", rangeset.Range{From: 0, To: 4})

	require.Error(t, tr.Flush(context.Background()))
	require.Len(t, sink.calls, 1)
	assert.Len(t, sink.calls[0], 2, "one request carries every dirty chat")

	sink.fail = nil
	require.NoError(t, tr.Flush(context.Background()))
	require.Len(t, sink.calls, 2, "state stayed dirty after failure")

	require.NoError(t, tr.Flush(context.Background()))
	assert.Len(t, sink.calls, 2, "nothing new to send")

	tr.MarkMessageRead("a", 2, "")
	require.NoError(t, tr.Flush(context.Background()))
	require.Len(t, sink.calls, 3)
	assert.Equal(t, []model.ReadBatch{{ChatID: "a", Ranges: []rangeset.Range{{From: 1, To: 2}}}}, sink.calls[2])
}

func TestRunFlushesPeriodically(t *testing.T) {
	sink := &fakeSink{}
	tr := New(sink, nil, nil)
	tr.MarkMessageRead("a", 1, "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = tr.Run(ctx, 5*time.Millisecond)
		close(done)
	}()
	require.Eventually(t, func() bool { return sink.count() >= 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestSubscribeSeesChanges(t *testing.T) {
	tr := New(nil, nil, nil)
	var got []string
	unsub := tr.Subscribe(func(c Change) { got = append(got, c.ChatID) })
	tr.MarkMessageRead("c", 1, "")
	tr.MarkMessageRead("c", 1, "")
	unsub()
	tr.MarkMessageRead("c", 2, "")
	assert.Equal(t, []string{"c"}, got)
}
