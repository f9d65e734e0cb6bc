package bus

import (
	"sync"
	"sync/atomic"

	"github.com/ambientos/ambient/pkg/event"
)

// DefaultStreamCapacity bounds a stream's queue when StreamOptions leaves
// Capacity unset.
const DefaultStreamCapacity = 1024

// OverflowPolicy controls what happens when a stream's queue is full.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest queued event to make room (default).
	DropOldest OverflowPolicy = iota
	// DropNewest discards the incoming event instead.
	DropNewest
	// Block makes Emit wait until the subscriber drains the queue. Use
	// only for subscribers that are known to keep up — a stalled Block
	// stream stalls every publisher.
	Block
)

// StreamOptions configures a stream subscription.
type StreamOptions struct {
	Capacity int
	Overflow OverflowPolicy
}

// Stream is the receiving end of a stream subscription. Events arrive in
// emit order as deep copies — a stream never aliases state with the
// publisher or with other streams.
type Stream struct {
	id       string
	ch       chan *event.Event
	overflow OverflowPolicy
	dropped  atomic.Int64

	// mu serialises offer against close so an Emit in flight can never
	// send on a closed channel. done unblocks a Block-policy send when
	// the stream is unsubscribed mid-wait.
	mu        sync.Mutex
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
}

func newStream(id string, opts StreamOptions) *Stream {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultStreamCapacity
	}
	return &Stream{
		id:       id,
		ch:       make(chan *event.Event, capacity),
		overflow: opts.Overflow,
		done:     make(chan struct{}),
	}
}

// ID returns the subscription id, usable with Bus.Unsubscribe.
func (s *Stream) ID() string { return s.id }

// Events returns the receive channel. It is closed on Unsubscribe.
func (s *Stream) Events() <-chan *event.Event { return s.ch }

// Dropped returns how many events this stream has discarded due to
// overflow.
func (s *Stream) Dropped() int64 { return s.dropped.Load() }

// Capacity returns the stream's queue capacity.
func (s *Stream) Capacity() int { return cap(s.ch) }

// offer enqueues an event according to the overflow policy. Returns false
// when the event (or a displaced older one) was dropped.
func (s *Stream) offer(e *event.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true // unsubscribed streams silently discard; not an overflow
	}

	switch s.overflow {
	case Block:
		select {
		case s.ch <- e:
			return true
		case <-s.done:
			return true
		}
	case DropNewest:
		select {
		case s.ch <- e:
			return true
		default:
			s.dropped.Add(1)
			return false
		}
	default: // DropOldest
		evicted := false
		for {
			select {
			case s.ch <- e:
				return !evicted
			default:
			}
			select {
			case <-s.ch:
				s.dropped.Add(1)
				evicted = true
			default:
			}
		}
	}
}

func (s *Stream) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}
