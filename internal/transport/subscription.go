package transport

import "sync"

// Handler receives the raw data payload of one event.
type Handler func(data []byte)

// Bus is the publish/subscribe surface consumers depend on, so tests can
// substitute an in-memory implementation for a live Channel.
type Bus interface {
	Publish(event string, payload any) error
	Subscribe(event string, fn Handler) *Subscription
}

// Subscription is a disposer handle returned from Subscribe. Cleanup is
// mechanical: consumers hold the handle and Cancel it on teardown instead
// of relying on handler-reference equality.
type Subscription struct {
	once   sync.Once
	cancel func()
}

func NewSubscription(cancel func()) *Subscription {
	return &Subscription{cancel: cancel}
}

// Cancel removes the handler. Safe to call multiple times.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}
