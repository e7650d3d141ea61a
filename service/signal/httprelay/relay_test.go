package httprelay

import (
	"context"
	"net/http/httptest"
	"testing"

	"PPSync/service/ledger"
	"PPSync/service/ledger/api"
	"PPSync/service/signal"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelayOverLedgerAPI(t *testing.T) {
	ts := httptest.NewServer(api.NewServer(ledger.New(ledger.Config{}), api.Config{}, nil).Handler())
	defer ts.Close()
	ctx := context.Background()
	a, b := New(ts.URL, "a", 0), New(ts.URL, "b", 0)

	ack, err := a.PublishOffer(ctx, signal.Offer{ID: "o1", To: "b", SDP: "v=0"})
	require.NoError(t, err)
	assert.Nil(t, ack.CounterOffer)

	ack, err = b.PublishOffer(ctx, signal.Offer{ID: "o2", To: "a", SDP: "v=0"})
	require.NoError(t, err)
	require.NotNil(t, ack.CounterOffer)
	assert.Equal(t, "o1", ack.CounterOffer.ID)
	assert.Equal(t, "a", ack.CounterOffer.From, "server stamps the sender")

	d, cursor, err := b.Poll(ctx, "b", 0)
	require.NoError(t, err)
	require.Len(t, d.Offers, 1)
	assert.Positive(t, cursor)

	require.NoError(t, b.PublishAnswer(ctx, signal.Answer{ID: "x", OfferID: "o1", To: "a", SDP: "v=0"}))
	d, _, err = a.Poll(ctx, "a", 0)
	require.NoError(t, err)
	require.Len(t, d.Answers, 1)
	assert.Equal(t, "b", d.Answers[0].From)

	_, _, err = a.Poll(ctx, "b", 0)
	assert.Error(t, err)
}
