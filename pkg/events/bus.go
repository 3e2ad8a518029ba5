package events

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Event types published by the workflow services.
const (
	TypeSessionUpdated      = "session.updated"
	TypeNotificationCreated = "notification.created"
	TypeNotificationRead    = "notification.read"
	TypeMaterialUpdated     = "material.updated"
)

// Event is a committed state change that interested clients should refresh on.
type Event struct {
	Type       string      `json:"type"`
	ResourceID string      `json:"resourceId"`
	UserIDs    []string    `json:"-"`
	Payload    interface{} `json:"payload,omitempty"`
	OccurredAt time.Time   `json:"occurredAt"`
}

type subscription struct {
	userID string
	ch     chan Event
}

// Bus is an in-process publish/subscribe hub. Publish never blocks: a
// subscriber whose buffer is full misses the event.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscription
	nextID  uint64
	buffer  int
	closed  bool
	dropped uint64
	logger  *zap.Logger
	onDrop  func()
}

// Option configures the bus.
type Option func(*Bus)

// WithDropHook registers a callback invoked whenever an event is dropped.
func WithDropHook(fn func()) Option {
	return func(b *Bus) {
		b.onDrop = fn
	}
}

// NewBus constructs a bus whose subscriptions buffer up to bufferSize events.
func NewBus(bufferSize int, logger *zap.Logger, opts ...Option) *Bus {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{subs: make(map[uint64]*subscription), buffer: bufferSize, logger: logger}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Subscribe registers interest in events addressed to userID. An empty userID
// receives every event. The returned cancel func is idempotent.
func (b *Bus) Subscribe(userID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.nextID++
	id := b.nextID
	b.subs[id] = &subscription{userID: userID, ch: ch}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
		})
	}
}

// Publish fans the event out to matching subscribers.
func (b *Bus) Publish(evt Event) {
	if b == nil {
		return
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !sub.matches(evt) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			atomic.AddUint64(&b.dropped, 1)
			if b.onDrop != nil {
				b.onDrop()
			}
			b.logger.Debug("event dropped for slow subscriber", zap.String("type", evt.Type), zap.String("user_id", sub.userID))
		}
	}
}

// Dropped reports how many deliveries were skipped because of full buffers.
func (b *Bus) Dropped() uint64 {
	return atomic.LoadUint64(&b.dropped)
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close terminates every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}

func (s *subscription) matches(evt Event) bool {
	if s.userID == "" {
		return true
	}
	for _, id := range evt.UserIDs {
		if id == s.userID {
			return true
		}
	}
	return false
}
