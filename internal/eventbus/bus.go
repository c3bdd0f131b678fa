package eventbus

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Topics published by the orchestrator and the quota tracker.
const (
	TaskStarted  = "task.started"
	TaskRetry    = "task.retry"
	TaskFallback = "task.fallback"
	TaskFinished = "task.finished"
	TaskFailed   = "task.failed"
	QuotaAlert   = "quota.alert"
	QuotaReset   = "quota.reset"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus fans events out to subscribers without ever blocking the publisher.
// A subscriber whose buffer is full misses the event; Dropped counts those.
type Bus interface {
	Publish(e Event)
	// Subscribe receives every topic when none are named.
	Subscribe(buffer int, topics ...string) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

// Emit publishes on b if it is non-nil.
func Emit(b Bus, typ string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Time: time.Now(), Data: data})
}

type sub struct {
	ch     chan Event
	topics []string
}

func (s *sub) wants(topic string) bool {
	return len(s.topics) == 0 || slices.Contains(s.topics, topic)
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*sub
	seq     uint64
	dropped atomic.Uint64
}

// Publish holds the read lock across the sends; they never block, and
// unsubscribe closes the channel under the write lock, so no send races a close.
func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int, topics ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer), topics: slices.Clone(topics)}

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
