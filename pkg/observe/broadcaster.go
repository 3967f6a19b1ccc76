package observe

import (
	"sync"
	"time"

	"github.com/psantana5/pcap-relay/pkg/logging"
	"github.com/psantana5/pcap-relay/pkg/models"
)

// DefaultSubscriberBuffer is the per-subscriber channel capacity
const DefaultSubscriberBuffer = 256

// Update is one published state value
type Update struct {
	Run   uint64
	State models.JobState
	At    time.Time
}

// Snapshot returns the serializable form of u
func (u Update) Snapshot() models.Snapshot {
	return models.NewSnapshot(u.Run, u.State, u.At)
}

// Broadcaster holds the current JobState and fans every new value out
// to subscribers. Publish never blocks: when a subscriber's buffer is
// full its oldest pending value is discarded, so a slow reader skips
// intermediate states but always receives the newest one.
type Broadcaster struct {
	mu          sync.RWMutex
	current     Update
	subscribers map[chan Update]struct{}
	buffer      int
	closed      bool
	logger      *logging.Logger
}

// NewBroadcaster creates a broadcaster whose initial state is Idle
func NewBroadcaster(logger *logging.Logger) *Broadcaster {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Broadcaster{
		current:     Update{State: models.Idle{}, At: time.Now()},
		subscribers: make(map[chan Update]struct{}),
		buffer:      DefaultSubscriberBuffer,
		logger:      logger.WithField("component", "broadcaster"),
	}
}

// Current returns the latest published value
func (b *Broadcaster) Current() Update {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.current
}

// Subscribe returns a channel that first receives the current value and
// then every later one, plus a function to unsubscribe.
func (b *Broadcaster) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, b.buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	ch <- b.current
	b.subscribers[ch] = struct{}{}
	count := len(b.subscribers)
	b.mu.Unlock()

	b.logger.Debug("subscriber added", logging.Fields{"subscribers": count})

	return ch, func() { b.remove(ch) }
}

func (b *Broadcaster) remove(ch chan Update) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
}

// Publish replaces the current value and notifies subscribers
func (b *Broadcaster) Publish(u Update) {
	if u.At.IsZero() {
		u.At = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.current = u

	for ch := range b.subscribers {
		select {
		case ch <- u:
			continue
		default:
		}
		select {
		case <-ch:
			b.logger.Debug("subscriber lagging, dropped oldest update", logging.Fields{"buffer": b.buffer})
		default:
		}
		// b.mu serializes senders, so the slot freed above is still free
		ch <- u
	}
}

// Closed reports whether Close was called
func (b *Broadcaster) Closed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// Close ends every subscription; later publishes are ignored
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = make(map[chan Update]struct{})
}
