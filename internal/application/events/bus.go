package events

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rezkam/fleetq/internal/domain"
)

// ErrSubscriberOverflow is reported by Subscription.Err when a subscriber of
// durable events fell too far behind and was disconnected. The subscriber
// must resubscribe and re-read current state; delivery is at-least-once, so a
// reconnecting dashboard loses nothing it cannot recover from a list call.
var ErrSubscriberOverflow = errors.New("subscriber overflowed and was disconnected")

// DefaultBufferSize is the per-subscription channel capacity.
const DefaultBufferSize = 256

// SubscribeOptions narrows what a subscription receives.
type SubscribeOptions struct {
	// Tenant filters events to one tenant. Empty receives all tenants.
	Tenant string

	// Kinds filters to specific event kinds. Empty receives everything.
	Kinds []domain.EventKind

	// Buffer overrides the channel capacity. Zero uses DefaultBufferSize.
	Buffer int

	// HeartbeatMinInterval suppresses robot.heartbeat events for a subject
	// delivered more often than this. Zero delivers every heartbeat. The
	// dashboard stream uses this to bound bandwidth.
	HeartbeatMinInterval time.Duration
}

// Subscription is one subscriber's view of the bus. Read from C until it is
// closed, then check Err.
type Subscription struct {
	C <-chan domain.Event

	bus     *Bus
	ch      chan domain.Event
	opts    SubscribeOptions
	kinds   map[domain.EventKind]struct{}
	dropped atomic.Uint64

	mu            sync.Mutex
	lastHeartbeat map[string]time.Time
	err           error
	closed        bool
}

// Err returns the terminal error after C is closed, if any.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Dropped returns the number of lossy events dropped for this subscriber.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close detaches the subscription from the bus and closes C.
func (s *Subscription) Close() {
	s.bus.detach(s)
	s.terminate(nil)
}

// deliver attempts a non-blocking handoff of ev. The lossy heartbeat stream
// drops oldest on overflow; a full buffer on the durable stream reports
// overflow so the bus can disconnect the subscriber instead of blocking the
// publisher.
func (s *Subscription) deliver(ev domain.Event) (overflow bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || !s.wantsLocked(ev) {
		return false
	}

	select {
	case s.ch <- ev:
		return false
	default:
	}

	if ev.Kind.Lossy() {
		select {
		case <-s.ch:
			s.dropped.Add(1)
			s.bus.droppedLossy.Add(1)
		default:
		}
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
			s.bus.droppedLossy.Add(1)
		}
		return false
	}

	return true
}

func (s *Subscription) wantsLocked(ev domain.Event) bool {
	if s.opts.Tenant != "" && ev.TenantID != "" && ev.TenantID != s.opts.Tenant {
		return false
	}
	if len(s.kinds) > 0 {
		if _, ok := s.kinds[ev.Kind]; !ok {
			return false
		}
	}
	if ev.Kind == domain.EventRobotHeartbeat && s.opts.HeartbeatMinInterval > 0 {
		last, seen := s.lastHeartbeat[ev.SubjectID]
		if seen && ev.Timestamp.Sub(last) < s.opts.HeartbeatMinInterval {
			return false
		}
		s.lastHeartbeat[ev.SubjectID] = ev.Timestamp
	}
	return true
}

func (s *Subscription) terminate(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)
}

// Bus fans out status-change events to subscribers without coupling the queue
// engine to transport details. Publish never blocks the caller.
type Bus struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
	seq  map[string]int64

	droppedLossy atomic.Uint64
	disconnected atomic.Uint64
	published    atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[*Subscription]struct{}),
		seq:  make(map[string]int64),
	}
}

// Subscribe registers a new subscriber.
func (b *Bus) Subscribe(opts SubscribeOptions) *Subscription {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	sub := &Subscription{
		bus:           b,
		ch:            make(chan domain.Event, buffer),
		opts:          opts,
		lastHeartbeat: make(map[string]time.Time),
	}
	sub.C = sub.ch
	if len(opts.Kinds) > 0 {
		sub.kinds = make(map[domain.EventKind]struct{}, len(opts.Kinds))
		for _, k := range opts.Kinds {
			sub.kinds[k] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Publish delivers ev to every matching subscriber. If ev.Sequence is zero a
// per-subject sequence is assigned; stores that persist events pre-assign the
// durable sequence instead.
func (b *Bus) Publish(ev domain.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	if ev.Sequence == 0 {
		key := string(ev.Subject) + "/" + ev.SubjectID
		b.seq[key]++
		ev.Sequence = b.seq[key]
	}
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	b.published.Add(1)

	for _, sub := range subs {
		if sub.deliver(ev) {
			// A durable-stream subscriber that cannot keep up is disconnected
			// rather than back-pressuring the publisher.
			b.disconnected.Add(1)
			slog.Warn("disconnecting slow event subscriber",
				"tenant", sub.opts.Tenant,
				"kind", ev.Kind,
				"subject_id", ev.SubjectID)
			b.detach(sub)
			sub.terminate(ErrSubscriberOverflow)
		}
	}
}

// DroppedLossy returns the total lossy events dropped across subscribers.
func (b *Bus) DroppedLossy() uint64 { return b.droppedLossy.Load() }

// Disconnected returns the total slow subscribers disconnected.
func (b *Bus) Disconnected() uint64 { return b.disconnected.Load() }

// Published returns the total events published.
func (b *Bus) Published() uint64 { return b.published.Load() }

func (b *Bus) detach(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}
