package observe

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/pcap-relay/pkg/models"
)

func TestBroadcaster_SubscribeReceivesCurrentThenUpdates(t *testing.T) {
	b := NewBroadcaster(nil)
	b.Publish(Update{Run: 1, State: models.Uploading{Progress: 0}})

	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	first := <-ch
	assert.Equal(t, models.Uploading{Progress: 0}, first.State)

	b.Publish(Update{Run: 1, State: models.Submitted{JobID: "J1"}})
	second := <-ch
	assert.Equal(t, models.Submitted{JobID: "J1"}, second.State)
	assert.Equal(t, models.Submitted{JobID: "J1"}, b.Current().State)
}

func TestBroadcaster_ConcurrentSubscribersSeeSameOrder(t *testing.T) {
	b := NewBroadcaster(nil)
	const n = 50

	var wg sync.WaitGroup
	results := make([][]int, 3)
	for i := range results {
		ch, unsubscribe := b.Subscribe()
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer unsubscribe()
			for u := range ch {
				if p, ok := u.State.(models.Polling); ok {
					results[i] = append(results[i], p.Attempt)
					if p.Attempt == n {
						return
					}
				}
			}
		}(i)
	}

	for a := 1; a <= n; a++ {
		b.Publish(Update{Run: 1, State: models.Polling{JobID: "J1", Attempt: a}})
	}
	wg.Wait()

	for i := range results {
		require.Len(t, results[i], n)
		for a := 1; a <= n; a++ {
			assert.Equal(t, a, results[i][a-1])
		}
	}
}

func TestBroadcaster_SlowSubscriberEndsOnNewestState(t *testing.T) {
	b := NewBroadcaster(nil)
	b.buffer = 2

	ch, unsubscribe := b.Subscribe() // holds the initial value, one slot left
	for a := 1; a <= 500; a++ {
		b.Publish(Update{Run: 1, State: models.Uploading{Progress: float64(a) / 500}})
	}
	b.Publish(Update{Run: 1, State: models.Succeeded{JobID: "J1", Content: []byte("ok")}})

	var seen []Update
	for len(ch) > 0 {
		seen = append(seen, <-ch)
	}
	require.Len(t, seen, 2)
	assert.Equal(t, models.Uploading{Progress: 1}, seen[0].State)
	assert.Equal(t, models.Succeeded{JobID: "J1", Content: []byte("ok")}, seen[1].State)

	// still subscribed
	b.Publish(Update{Run: 2, State: models.Idle{}})
	next := <-ch
	assert.Equal(t, uint64(2), next.Run)

	unsubscribe()
	_, open := <-ch
	assert.False(t, open)
}

func TestBroadcaster_Close(t *testing.T) {
	b := NewBroadcaster(nil)
	ch, _ := b.Subscribe()
	<-ch
	b.Close()

	_, open := <-ch
	assert.False(t, open)

	late, _ := b.Subscribe()
	_, open = <-late
	assert.False(t, open)

	b.Publish(Update{Run: 9, State: models.Idle{}})
}
