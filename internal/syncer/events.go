package syncer

import (
	"sync"

	"github.com/sellerledger/recovery-engine/pkg/models"
)

// subscriberBuffer bounds each subscriber channel. A subscriber that
// falls this far behind loses events rather than blocking the pipeline.
const subscriberBuffer = 64

// Bus fans progress events out to per-seller subscribers. Publishing
// never blocks: slow consumers drop events.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[chan models.ProgressEvent]struct{}
	all  map[chan models.ProgressEvent]struct{}
}

func NewBus() *Bus {
	return &Bus{
		subs: make(map[string]map[chan models.ProgressEvent]struct{}),
		all:  make(map[chan models.ProgressEvent]struct{}),
	}
}

// Subscribe registers for one seller's events. The returned cancel
// function unregisters and closes the channel; it is safe to call twice.
func (b *Bus) Subscribe(sellerID string) (<-chan models.ProgressEvent, func()) {
	ch := make(chan models.ProgressEvent, subscriberBuffer)

	b.mu.Lock()
	if b.subs[sellerID] == nil {
		b.subs[sellerID] = make(map[chan models.ProgressEvent]struct{})
	}
	b.subs[sellerID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[sellerID], ch)
			if len(b.subs[sellerID]) == 0 {
				delete(b.subs, sellerID)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// SubscribeAll registers for every seller's events, the firehose feed.
func (b *Bus) SubscribeAll() (<-chan models.ProgressEvent, func()) {
	ch := make(chan models.ProgressEvent, subscriberBuffer)

	b.mu.Lock()
	b.all[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.all, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber of its seller and to
// the firehose.
func (b *Bus) Publish(ev models.ProgressEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[ev.SellerID] {
		select {
		case ch <- ev:
		default: // subscriber too slow, drop
		}
	}
	for ch := range b.all {
		select {
		case ch <- ev:
		default:
		}
	}
}

// SubscriberCount reports the live subscribers for a seller.
func (b *Bus) SubscriberCount(sellerID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[sellerID])
}
