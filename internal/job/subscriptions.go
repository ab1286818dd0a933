package job

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Subscription receives Info snapshots for every status change it matches.
// Events arrive in the order they were emitted. A subscriber that falls
// behind loses events rather than slowing job execution; Dropped counts
// them. AtEnd and Instance.Done are the lossless way to observe the end of a job.
type Subscription struct {
	id      uint64
	key     string
	ch      chan Info
	owner   *Subscriptions
	once    sync.Once
	dropped atomic.Int64
}

// C returns the event channel. It is closed by Close or when the manager shuts down.
func (s *Subscription) C() <-chan Info { return s.ch }

// Dropped returns how many events this subscriber missed on a full buffer.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close unsubscribes and closes the channel. It is safe to call more than once.
func (s *Subscription) Close() {
	s.owner.remove(s)
}

// Subscriptions fans lifecycle events out to subscribers from a single
// notifier goroutine.
type Subscriptions struct {
	queue  chan Info
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	closed bool
	nextID atomic.Uint64

	published atomic.Int64
	dropped   atomic.Int64

	sendMu sync.RWMutex // guards queue against close during publish
	done   chan struct{}
}

func newSubscriptions(buffer int, logger *slog.Logger) *Subscriptions {
	s := &Subscriptions{
		queue:  make(chan Info, buffer),
		logger: logger,
		subs:   make(map[uint64]*Subscription),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Subscribe receives events for every instance.
func (s *Subscriptions) Subscribe(buffer int) *Subscription {
	return s.add("", buffer)
}

// SubscribeKey receives events for instances with the given identity.
func (s *Subscriptions) SubscribeKey(key string, buffer int) *Subscription {
	return s.add(key, buffer)
}

func (s *Subscriptions) add(key string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &Subscription{
		id:    s.nextID.Add(1),
		key:   key,
		ch:    make(chan Info, buffer),
		owner: s,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(sub.ch)
		return sub
	}
	s.subs[sub.id] = sub
	return sub
}

func (s *Subscriptions) remove(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub.id]; !ok {
		return
	}
	delete(s.subs, sub.id)
	sub.once.Do(func() { close(sub.ch) })
}

// publish enqueues an event without blocking. Callers hold the instance lock.
func (s *Subscriptions) publish(info Info) {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.isClosed() {
		return
	}
	select {
	case s.queue <- info:
		s.published.Add(1)
	default:
		s.dropped.Add(1)
		s.logger.Warn("Event queue full, dropping event", "jobId", info.ID, "status", info.Status)
	}
}

func (s *Subscriptions) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *Subscriptions) run() {
	defer close(s.done)
	for info := range s.queue {
		s.fanOut(info)
	}
}

func (s *Subscriptions) fanOut(info Info) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.key != "" && sub.key != info.Key {
			continue
		}
		select {
		case sub.ch <- info:
		default:
			s.dropped.Add(1)
			if n := sub.dropped.Add(1); info.Status.Terminal() || n == 1 {
				s.logger.Warn("Subscriber buffer full, dropping event",
					"subscription", sub.id, "jobId", info.ID, "status", info.Status, "dropped", n)
			}
		}
	}
}

// close stops accepting events, delivers what is queued, then closes every
// subscriber channel.
func (s *Subscriptions) close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.sendMu.Lock()
	close(s.queue)
	s.sendMu.Unlock()

	var err error
	select {
	case <-s.done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sub := range s.subs {
		delete(s.subs, id)
		sub.once.Do(func() { close(sub.ch) })
	}
	return err
}
