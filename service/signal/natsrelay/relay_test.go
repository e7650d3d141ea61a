package natsrelay

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"PPSync/service/signal"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestSubjectToken(t *testing.T) {
	r := newRelay(Config{}, "a", nil)
	assert.Equal(t, "ppsync.signal.u_1_x.offer", r.subject("u.1 x", "offer"))
}

func TestSmallerUserWinsOfferRace(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	a := newRelay(Config{Clock: fixedClock(now)}, "a", nil)
	b := newRelay(Config{Clock: fixedClock(now)}, "b", nil)
	oa := signal.Offer{ID: "oa", From: "a", To: "b", CreatedAt: now.UnixMilli()}
	ob := signal.Offer{ID: "ob", From: "b", To: "a", CreatedAt: now.UnixMilli()}
	a.pending["b"] = oa
	b.pending["a"] = ob

	// b 收到 a 的 offer：b 落败，收下并放弃自己的
	ack := b.receiveOffer(oa)
	assert.Nil(t, ack.CounterOffer)
	assert.NotContains(t, b.pending, "a")

	// a 收到 b 的 offer：a 胜出，回 CounterOffer，不入收件箱
	ack = a.receiveOffer(ob)
	require.NotNil(t, ack.CounterOffer)
	assert.Equal(t, "oa", ack.CounterOffer.ID)
	d, _, err := a.Poll(context.Background(), "a", 0)
	require.NoError(t, err)
	assert.True(t, d.Empty())

	d, cur, err := b.Poll(context.Background(), "b", 0)
	require.NoError(t, err)
	require.Len(t, d.Offers, 1)
	assert.Equal(t, "oa", d.Offers[0].ID)
	d, _, _ = b.Poll(context.Background(), "b", cur)
	assert.True(t, d.Empty())
}

func TestStaleOfferDoesNotCounter(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	a := newRelay(Config{Clock: fixedClock(now), OfferTTL: time.Second}, "a", nil)
	a.pending["b"] = signal.Offer{ID: "old", From: "a", To: "b", CreatedAt: now.Add(-time.Minute).UnixMilli()}
	ack := a.receiveOffer(signal.Offer{ID: "ob", From: "b", To: "a"})
	assert.Nil(t, ack.CounterOffer)
	assert.Empty(t, a.pending)
}

func TestAnswerClearsPendingAndNotifies(t *testing.T) {
	a := newRelay(Config{}, "a", nil)
	a.pending["b"] = signal.Offer{ID: "oa", From: "a", To: "b"}
	var got []string
	unsub := a.OnDeliver(func(u string) { got = append(got, u) })
	defer unsub()

	a.receiveAnswer(signal.Answer{ID: "x", OfferID: "oa", From: "b", To: "a"})
	assert.Empty(t, a.pending)
	assert.Equal(t, []string{"a"}, got)
	d, _, _ := a.Poll(context.Background(), "a", 0)
	require.Len(t, d.Answers, 1)

	_, _, err := a.Poll(context.Background(), "b", 0)
	assert.Error(t, err)
}

func TestInboxIsBounded(t *testing.T) {
	a := newRelay(Config{MaxQueue: 2}, "a", nil)
	for _, id := range []string{"1", "2", "3"} {
		a.receiveAnswer(signal.Answer{ID: id, OfferID: "o" + id, From: "b", To: "a"})
	}
	d, cur, _ := a.Poll(context.Background(), "a", 0)
	require.Len(t, d.Answers, 2)
	assert.Equal(t, "2", d.Answers[0].ID)
	assert.Equal(t, int64(3), cur)
}

// 需要真实 NATS：PPSYNC_NATS_URL=nats://127.0.0.1:4222
func TestOverNATS(t *testing.T) {
	url := os.Getenv("PPSYNC_NATS_URL")
	if url == "" {
		t.Skip("PPSYNC_NATS_URL not set")
	}
	conf := Config{Servers: strings.Split(url, ","), SubjectPrefix: "ppsync.test." + time.Now().Format("150405.000")}
	a, err := Dial(conf, "a", nil)
	require.NoError(t, err)
	defer a.Close()
	b, err := Dial(conf, "b", nil)
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ack, err := a.PublishOffer(ctx, signal.Offer{ID: "o1", To: "b", SDP: "v=0"})
	require.NoError(t, err)
	assert.Nil(t, ack.CounterOffer)

	d, _, err := b.Poll(ctx, "b", 0)
	require.NoError(t, err)
	require.Len(t, d.Offers, 1)
	require.NoError(t, b.PublishAnswer(ctx, signal.Answer{ID: "x", OfferID: "o1", To: "a", SDP: "v=0"}))
	require.Eventually(t, func() bool {
		d, _, _ := a.Poll(ctx, "a", 0)
		return len(d.Answers) == 1
	}, 3*time.Second, 20*time.Millisecond)
}
