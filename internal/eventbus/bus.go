package eventbus

import "sync"

// DefaultBuffer is the per-subscriber queue length used by New.
const DefaultBuffer = 256

// Bus is a type-safe publish/subscribe bus. Publish never blocks: an event
// that does not fit a subscriber's queue is dropped for that subscriber only.
// Subscribers that cannot afford a loss use SubscribeReliable.
type Bus[T any] struct {
	mu     sync.RWMutex
	subs   []chan T
	relays []*relay[T]
	buffer int
	closed bool
}

func New[T any]() *Bus[T] { return NewBuffered[T](DefaultBuffer) }

func NewBuffered[T any](buffer int) *Bus[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus[T]{buffer: buffer}
}

// Publish fans e out and returns how many subscribers missed it.
func (b *Bus[T]) Publish(e T) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}
	for _, r := range b.relays {
		r.push(e)
	}
	dropped := 0
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			dropped++
		}
	}
	return dropped
}

func (b *Bus[T]) Subscribe() <-chan T {
	ch := make(chan T, b.buffer)
	b.mu.Lock()
	if b.closed {
		close(ch)
	} else {
		b.subs = append(b.subs, ch)
	}
	b.mu.Unlock()
	return ch
}

// SubscribeReliable returns a channel that receives every event published
// after the call, in order. Events queue without bound until read. After
// Close the queue is drained and then the channel is closed.
func (b *Bus[T]) SubscribeReliable() <-chan T {
	r := &relay[T]{
		wake: make(chan struct{}, 1),
		out:  make(chan T),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	if b.closed {
		r.finished = true
	} else {
		b.relays = append(b.relays, r)
	}
	b.mu.Unlock()
	go r.pump()
	return r.out
}

func (b *Bus[T]) Unsubscribe(sub <-chan T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, r := range b.relays {
		if r.out == sub {
			b.relays = append(b.relays[:i], b.relays[i+1:]...)
			r.stop()
			return
		}
	}
	for i, ch := range b.subs {
		if ch == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			if !b.closed {
				close(ch)
			}
			return
		}
	}
}

func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
	for _, r := range b.relays {
		r.finish()
	}
}

// relay feeds one reliable subscriber from an unbounded queue.
type relay[T any] struct {
	mu       sync.Mutex
	queue    []T
	finished bool
	wake     chan struct{}
	out      chan T
	done     chan struct{}
	once     sync.Once
}

func (r *relay[T]) push(e T) {
	r.mu.Lock()
	r.queue = append(r.queue, e)
	r.mu.Unlock()
	r.signal()
}

func (r *relay[T]) finish() {
	r.mu.Lock()
	r.finished = true
	r.mu.Unlock()
	r.signal()
}

// stop abandons whatever is still queued.
func (r *relay[T]) stop() { r.once.Do(func() { close(r.done) }) }

func (r *relay[T]) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *relay[T]) pump() {
	defer close(r.out)
	for {
		r.mu.Lock()
		if len(r.queue) == 0 {
			finished := r.finished
			r.mu.Unlock()
			if finished {
				return
			}
			select {
			case <-r.wake:
				continue
			case <-r.done:
				return
			}
		}
		e := r.queue[0]
		var zero T
		r.queue[0] = zero
		r.queue = r.queue[1:]
		r.mu.Unlock()

		select {
		case r.out <- e:
		case <-r.done:
			return
		}
	}
}
