package realtime

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFanOut(t *testing.T) {
	b := NewBroker()
	a, cleanA := b.Subscribe()
	c, cleanC := b.Subscribe()
	defer cleanA()
	defer cleanC()

	b.Publish(Event{Type: EventEndpointProbe, EndpointID: 3, Payload: map[string]string{"status": "success"}})

	for _, ch := range []<-chan []byte{a, c} {
		var evt Event
		require.NoError(t, json.Unmarshal(<-ch, &evt))
		assert.Equal(t, EventEndpointProbe, evt.Type)
		assert.EqualValues(t, 3, evt.EndpointID)
	}
}

func TestPublishDropsForSlowSubscriber(t *testing.T) {
	b := NewBroker()
	ch, cleanup := b.Subscribe()
	for i := 0; i < 100; i++ {
		b.Publish(Event{Type: EventRunProgress})
	}
	assert.Len(t, ch, cap(ch))

	cleanup()
	cleanup()
	b.Publish(Event{Type: EventRunFinished})
}

func TestNilBrokerPublish(t *testing.T) {
	var b *Broker
	assert.NotPanics(t, func() { b.Publish(Event{Type: EventRunStarted}) })
}
