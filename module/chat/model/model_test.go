package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type kindCounter struct {
	counts map[EventKind]int
}

func (k *kindCounter) VisitMessage(*Message)                     { k.counts[KindMessage]++ }
func (k *kindCounter) VisitReactionAdded(*ReactionAdded)         { k.counts[KindReactionAdded]++ }
func (k *kindCounter) VisitReactionRemoved(*ReactionRemoved)     { k.counts[KindReactionRemoved]++ }
func (k *kindCounter) VisitMessageDeleted(*MessageDeleted)       { k.counts[KindMessageDeleted]++ }
func (k *kindCounter) VisitMessageUndeleted(*MessageUndeleted)   { k.counts[KindMessageUndeleted]++ }
func (k *kindCounter) VisitMessageEdited(*MessageEdited)         { k.counts[KindMessageEdited]++ }
func (k *kindCounter) VisitParticipantJoined(*ParticipantJoined) { k.counts[KindParticipantJoined]++ }
func (k *kindCounter) VisitParticipantLeft(*ParticipantLeft)     { k.counts[KindParticipantLeft]++ }
func (k *kindCounter) VisitChatCreated(*ChatCreated)             { k.counts[KindChatCreated]++ }

func TestWrapperJSONKeepsKind(t *testing.T) {
	in := []EventWrapper{
		{Index: 1, Timestamp: 10, Event: &Message{MessageID: "m1", MessageIndex: 0, Sender: "a",
			Content: Content{Kind: ContentText, Text: "hi", BlobData: []byte{1}}}},
		{Index: 2, Timestamp: 11, Event: &ReactionAdded{MessageTarget: MessageTarget{MessageID: "m1", EventIndex: 1, UserID: "b"}, Reaction: "+1"}},
		{Index: 3, Timestamp: 12, Event: &ParticipantJoined{UserID: "c"}},
	}
	raw, err := json.Marshal(in)
	require.NoError(t, err)

	var out []EventWrapper
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Len(t, out, 3)

	m, ok := out[0].Message()
	require.True(t, ok)
	assert.Equal(t, "hi", m.Content.Text)
	assert.Nil(t, m.Content.BlobData, "in-memory blob data is never serialized")
	assert.Equal(t, KindReactionAdded, out[1].Event.Kind())
	assert.Equal(t, KindParticipantJoined, out[2].Event.Kind())

	kc := &kindCounter{counts: map[EventKind]int{}}
	for _, e := range out {
		e.Event.Accept(kc)
	}
	assert.Equal(t, 1, kc.counts[KindMessage])
	assert.Equal(t, 1, kc.counts[KindReactionAdded])
}

func TestUnknownKindRejected(t *testing.T) {
	var w EventWrapper
	err := json.Unmarshal([]byte(`{"index":1,"kind":"poll_vote","event":{}}`), &w)
	var uk *UnknownKindError
	require.ErrorAs(t, err, &uk)
	assert.Equal(t, EventKind("poll_vote"), uk.Kind)
}

func TestSetReactionIdempotent(t *testing.T) {
	m := &Message{}
	assert.True(t, m.SetReaction("+1", "a", true))
	assert.False(t, m.SetReaction("+1", "a", true))
	assert.True(t, m.SetReaction("+1", "b", true))
	assert.Equal(t, []string{"a", "b"}, m.Reactions[0].UserIDs)

	cp := m.Clone()
	assert.True(t, cp.SetReaction("+1", "a", false))
	assert.True(t, m.HasReaction("+1", "a"), "clone must not share reaction slices")

	assert.True(t, cp.SetReaction("+1", "b", false))
	assert.Empty(t, cp.Reactions)
}

func TestDedupeLastWins(t *testing.T) {
	out := Dedupe([]EventWrapper{
		{Index: 3, Event: &ParticipantJoined{UserID: "x"}},
		{Index: 1, Event: &ParticipantJoined{UserID: "y"}},
		{Index: 3, Event: &ParticipantJoined{UserID: "z"}},
	})
	require.Len(t, out, 2)
	assert.Equal(t, int64(1), out[0].Index)
	assert.Equal(t, "z", out[1].Event.(*ParticipantJoined).UserID)
}
