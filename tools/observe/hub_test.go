package observe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHubPublishOrderAndUnsubscribe(t *testing.T) {
	h := NewHub[int]()
	var got []string
	un1 := h.Subscribe(func(v int) { got = append(got, "a") })
	h.Subscribe(func(v int) { got = append(got, "b") })

	h.Publish(1)
	assert.Equal(t, []string{"a", "b"}, got)

	un1()
	un1()
	got = nil
	h.Publish(2)
	assert.Equal(t, []string{"b"}, got)
	assert.Equal(t, 1, h.Len())
}
