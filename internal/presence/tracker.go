// Package presence keeps a best-effort live view of which users are
// connected to the relay. The set is rebuilt from every full roster push
// and trimmed on global disconnect notices; it is never polled.
package presence

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tutorlink/live/internal/domain"
	"github.com/tutorlink/live/internal/transport"
)

type Tracker struct {
	mu     sync.RWMutex
	online map[domain.UserID]struct{}
	subs   []*transport.Subscription
}

func NewTracker() *Tracker {
	return &Tracker{online: make(map[domain.UserID]struct{})}
}

// Attach subscribes the tracker to roster and disconnect events. A nil bus
// is tolerated: the tracker simply reports everyone offline.
func (t *Tracker) Attach(bus transport.Bus) {
	if bus == nil {
		log.Warn().Str("module", "presence").Msg("no channel, presence unavailable")
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs = append(t.subs,
		bus.Subscribe(transport.EventRoster, t.onRoster),
		bus.Subscribe(transport.EventUserGone, t.onUserGone),
	)
}

// Detach cancels the tracker's subscriptions. Safe to call repeatedly.
func (t *Tracker) Detach() {
	t.mu.Lock()
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()
	for _, s := range subs {
		s.Cancel()
	}
}

// IsOnline is a pure lookup. It returns false for any identifier not in
// the current set, including the caller's own before the first roster.
func (t *Tracker) IsOnline(uid domain.UserID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[uid]
	return ok
}

// Online returns a snapshot of the current set.
func (t *Tracker) Online() []domain.UserID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]domain.UserID, 0, len(t.online))
	for uid := range t.online {
		out = append(out, uid)
	}
	return out
}

// onRoster replaces the entire set; the roster push is the authoritative
// resync point, not a merge.
func (t *Tracker) onRoster(data []byte) {
	var roster []domain.UserID
	if err := json.Unmarshal(data, &roster); err != nil {
		log.Error().Err(err).Str("module", "presence").Msg("bad roster payload")
		return
	}
	next := make(map[domain.UserID]struct{}, len(roster))
	for _, uid := range roster {
		next[uid] = struct{}{}
	}
	t.mu.Lock()
	t.online = next
	t.mu.Unlock()
	log.Debug().Str("module", "presence").Int("count", len(next)).Msg("roster replaced")
}

func (t *Tracker) onUserGone(data []byte) {
	var p struct {
		UserID domain.UserID `json:"userId"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "presence").Msg("bad disconnect payload")
		return
	}
	t.mu.Lock()
	delete(t.online, p.UserID)
	t.mu.Unlock()
}
