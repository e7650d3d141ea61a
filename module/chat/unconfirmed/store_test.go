package unconfirmed

import (
	"testing"
	"time"

	"PPSync/module/chat/model"
	"PPSync/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pending(id string, idx, msgIdx int64) model.EventWrapper {
	return model.EventWrapper{Index: idx, Event: &model.Message{
		MessageID: id, MessageIndex: msgIdx, Sender: "a",
		Content: model.Content{Kind: model.ContentText, Text: id},
	}}
}

func TestReserveNeverReuses(t *testing.T) {
	s := New(Config{})
	e1, m1 := s.Reserve("c", 10, 4)
	e2, m2 := s.Reserve("c", 10, 4)
	assert.Equal(t, []int64{11, 5}, []int64{e1, m1})
	assert.Equal(t, []int64{12, 6}, []int64{e2, m2})

	// 后端前进得更快时跟上后端
	e3, m3 := s.Reserve("c", 40, 20)
	assert.Equal(t, []int64{41, 21}, []int64{e3, m3})

	// 对端占用的预留值也跳过
	_, err := s.AddFromPeer("c", pending("p", 50, 30))
	require.NoError(t, err)
	_, m4 := s.Reserve("c", 40, 20)
	assert.Equal(t, int64(31), m4)
}

func TestLifecycle(t *testing.T) {
	s := New(Config{})
	var changes []Change
	s.Subscribe(func(c Change) { changes = append(changes, c) })

	ok, err := s.Add("c", pending("X", 11, 5))
	require.NoError(t, err)
	require.True(t, ok)
	ok, _ = s.Add("c", pending("X", 11, 5))
	assert.False(t, ok, "same id is never added twice")

	assert.True(t, s.MarkSent("c", "X"))
	assert.True(t, s.MarkFailed("c", "X", errs.ErrNetworkFailure))
	e, ok := s.Get("c", "X")
	require.True(t, ok)
	assert.Equal(t, Failed, e.State)
	assert.True(t, errs.IsCode(e.Err, errs.NetworkFailure))

	assert.True(t, s.MarkCreated("c", "X"))
	e, _ = s.Get("c", "X")
	assert.Equal(t, Created, e.State)
	assert.Equal(t, "X", e.MessageID())

	out, ok := s.Promote("c", "X", pending("X", 20, 7))
	require.True(t, ok)
	assert.Equal(t, Confirmed, out.State)
	assert.Equal(t, int64(7), out.Message().MessageIndex)
	assert.False(t, s.Contains("c", "X"))

	require.NotEmpty(t, changes)
	assert.True(t, changes[len(changes)-1].Removed)
}

func TestAddRejectsNonMessages(t *testing.T) {
	s := New(Config{})
	_, err := s.Add("c", model.EventWrapper{Event: &model.ParticipantJoined{UserID: "u"}})
	assert.True(t, errs.IsCode(err, errs.InvalidArgument))
}

func TestListOrderedByProvisionalIndex(t *testing.T) {
	s := New(Config{})
	_, _ = s.Add("c", pending("b", 12, 6))
	_, _ = s.Add("c", pending("a", 11, 5))
	_, _ = s.AddFromPeer("c", pending("p", 12, 6))
	var ids []string
	for _, e := range s.List("c") {
		ids = append(ids, e.MessageID())
	}
	assert.Equal(t, []string{"a", "b", "p"}, ids)
}

func TestPruneFromPeer(t *testing.T) {
	now := time.Unix(1000, 0)
	s := New(Config{Clock: func() time.Time { return now }})
	_, _ = s.AddFromPeer("c", pending("p", 1, 1))
	_, _ = s.Add("c", pending("mine", 2, 2))

	now = now.Add(2 * time.Minute)
	assert.Equal(t, []string{"p"}, s.PruneFromPeer("c", time.Minute))
	assert.True(t, s.Contains("c", "mine"), "local sends are never pruned")
}
