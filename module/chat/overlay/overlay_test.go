package overlay

import (
	"testing"
	"time"

	"PPSync/module/chat/model"

	"github.com/stretchr/testify/assert"
)

func TestApplyIsIdempotentAndExpires(t *testing.T) {
	now := time.Unix(100, 0)
	o := New(Config{TTL: time.Minute, Clock: func() time.Time { return now }})
	base := &model.Message{MessageID: "m1"}

	o.SetReaction("m1", "+1", "bob", true)
	o.SetReaction("m1", "+1", "bob", true)
	got := o.Apply(base)
	assert.True(t, got.HasReaction("+1", "bob"))
	assert.Empty(t, base.Reactions, "backend copy is untouched")
	assert.Len(t, got.Reactions[0].UserIDs, 1)

	// 后端已经有了同样的表情，叠加不会重复
	backend := &model.Message{MessageID: "m1", Reactions: []model.Reaction{{Reaction: "+1", UserIDs: []string{"bob"}}}}
	assert.Same(t, backend, o.Apply(backend))

	now = now.Add(2 * time.Minute)
	assert.Same(t, base, o.Apply(base), "expired updates no longer apply")
	assert.Equal(t, 1, o.Prune())
	assert.Equal(t, 0, o.Len())
}

func TestDeleteUndelete(t *testing.T) {
	o := New(Config{})
	base := &model.Message{MessageID: "m1"}

	o.SetDeleted("m1", "alice", true)
	assert.NotNil(t, o.Apply(base).Deleted)

	o.SetDeleted("m1", "alice", false)
	deleted := &model.Message{MessageID: "m1", Deleted: &model.Deletion{By: "alice"}}
	assert.Nil(t, o.Apply(deleted).Deleted)
}

func TestSettleRemovesReflectedUpdates(t *testing.T) {
	o := New(Config{})
	o.SetReaction("m1", "+1", "bob", true)
	o.SetReaction("m1", "heart", "bob", true)
	o.Settle(&model.Message{MessageID: "m1", Reactions: []model.Reaction{{Reaction: "+1", UserIDs: []string{"bob"}}}})
	assert.Equal(t, 1, o.Len())
}
