package peer

import (
	"encoding/json"
	"fmt"
	"testing"

	"PPSync/module/chat/model"
	"PPSync/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeDropsUnknownKind(t *testing.T) {
	raw := []byte(`{"id":"1","kind":"remote_user_waved","chatId":"c","userId":"b"}`)
	_, err := Decode(raw)
	assert.True(t, errs.IsCode(err, errs.ProtocolMismatch))

	_, err = Decode([]byte(`not json`))
	assert.True(t, errs.IsCode(err, errs.ProtocolMismatch))
}

func TestDecodeValidatesPerKind(t *testing.T) {
	e := NewEnvelope(KindSent, "c", "b", 1)
	e.Message = &model.Message{MessageID: "m1", Sender: "a"}
	data, _ := json.Marshal(e)
	_, err := Decode(data)
	assert.True(t, errs.IsCode(err, errs.ProtocolMismatch), "sender must be the envelope author")

	r := NewEnvelope(KindToggledReaction, "c", "b", 1)
	_, err = Encode(r)
	assert.Error(t, err)

	r.MessageID, r.Reaction, r.Added = "m1", "+1", true
	data, err = Encode(r)
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, r, got)
}

func TestSentEnvelopeCarriesProvisionalIndex(t *testing.T) {
	e := NewEnvelope(KindSent, "c", "a", 1)
	e.Message = &model.Message{MessageID: "m1", MessageIndex: 7, Sender: "a",
		Content: model.Content{Kind: model.ContentText, Text: "hi"}}
	data, err := Encode(e)
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.Message.MessageIndex)
	assert.Equal(t, "hi", got.Message.Content.Text)
}

func TestSeenFilterRotates(t *testing.T) {
	f := newSeenFilter(4, 0.001)
	assert.False(t, f.Seen("a"))
	assert.True(t, f.Seen("a"))
	for i := 0; i < 4; i++ {
		f.Seen(fmt.Sprintf("x%d", i))
	}
	// "a" 已在上一代里，仍然算见过
	assert.True(t, f.Seen("a"))
	for i := 0; i < 8; i++ {
		f.Seen(fmt.Sprintf("y%d", i))
	}
	assert.False(t, f.Seen("a"), "two rotations forget old ids")
}
