package event

import (
	"sync"
)

// Subscription is the handle returned by Feed.Subscribe. Unsubscribe detaches
// the channel from the feed; it is safe to call more than once.
type Subscription interface {
	Unsubscribe()
}

// Feed implements one-to-many event delivery for a single payload type.
// Values sent on the feed are delivered to every subscribed channel in
// subscription order; Send blocks until each subscriber has received the
// value, so a subscriber that wants fire-and-forget semantics registers a
// buffered channel.
//
// The zero value is ready to use.
type Feed[T any] struct {
	mu   sync.Mutex
	subs []*feedSub[T]
}

type feedSub[T any] struct {
	feed *Feed[T]
	ch   chan<- T
	once sync.Once
}

func (s *feedSub[T]) Unsubscribe() {
	s.once.Do(func() {
		s.feed.remove(s)
	})
}

// Subscribe adds a channel to the feed. The feed does not close the channel;
// that is the subscriber's responsibility after Unsubscribe returns.
func (f *Feed[T]) Subscribe(ch chan<- T) Subscription {
	sub := &feedSub[T]{feed: f, ch: ch}
	f.mu.Lock()
	f.subs = append(f.subs, sub)
	f.mu.Unlock()
	return sub
}

// Send delivers value to all subscribed channels and returns the number of
// subscribers it was delivered to.
func (f *Feed[T]) Send(value T) int {
	f.mu.Lock()
	subs := make([]*feedSub[T], len(f.subs))
	copy(subs, f.subs)
	f.mu.Unlock()

	for _, sub := range subs {
		sub.ch <- value
	}
	return len(subs)
}

func (f *Feed[T]) remove(sub *feedSub[T]) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, s := range f.subs {
		if s == sub {
			f.subs = append(f.subs[:i], f.subs[i+1:]...)
			return
		}
	}
}
