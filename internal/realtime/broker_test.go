package realtime

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFanOut(t *testing.T) {
	b := NewBroker()
	a, cleanupA := b.Subscribe()
	c, cleanupC := b.Subscribe()
	defer cleanupC()
	assert.Equal(t, 2, b.Subscribers())

	b.Publish(Event{Type: EventNetworkScanned, Network: "10.0.0.0/24", Payload: map[string]int{"devices": 3}})

	for _, ch := range []<-chan []byte{a, c} {
		var evt map[string]interface{}
		require.NoError(t, json.Unmarshal(<-ch, &evt))
		assert.Equal(t, EventNetworkScanned, evt["type"])
		assert.Equal(t, "10.0.0.0/24", evt["network"])
		assert.NotEmpty(t, evt["at"])
	}

	cleanupA()
	cleanupA()
	assert.Equal(t, 1, b.Subscribers())
}

func TestPublishDropsForSlowSubscriber(t *testing.T) {
	b := NewBroker()
	ch, cleanup := b.Subscribe()
	defer cleanup()
	for i := 0; i < 100; i++ {
		b.Publish(Event{Type: EventScanStarted})
	}
	assert.Len(t, ch, cap(ch))
}

func TestNilBrokerPublish(t *testing.T) {
	var b *Broker
	assert.NotPanics(t, func() { b.Publish(Event{Type: EventScanStarted}) })
}
