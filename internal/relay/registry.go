package relay

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tutorlink/live/internal/domain"
)

// Registry tracks one live connection per user id. A reconnect under the
// same identity replaces the previous connection.
type Registry struct {
	mu      sync.RWMutex
	clients map[domain.UserID]*client
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[domain.UserID]*client)}
}

// Add registers c and returns the connection it displaced, if any. The
// caller owns closing the displaced connection.
func (r *Registry) Add(c *client) *client {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.clients[c.user]
	r.clients[c.user] = c
	return prev
}

// Remove drops c if it is still the current connection for its user.
// Returns false when a newer connection already replaced it.
func (r *Registry) Remove(c *client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.clients[c.user] != c {
		return false
	}
	delete(r.clients, c.user)
	return true
}

func (r *Registry) Get(user domain.UserID) (*client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[user]
	return c, ok
}

// Roster returns the connected user ids, sorted for stable payloads.
func (r *Registry) Roster() []domain.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.UserID, 0, len(r.clients))
	for uid := range r.clients {
		out = append(out, uid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Broadcast queues an event for every connected client. Backpressured
// clients are skipped; the next roster push resyncs them.
func (r *Registry) Broadcast(event string, payload any) {
	r.mu.RLock()
	clients := make([]*client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.RUnlock()
	for _, c := range clients {
		if err := c.SendEvent(event, payload); err != nil {
			log.Warn().Err(err).Str("module", "relay").Str("user", string(c.user)).Str("event", event).Msg("broadcast dropped")
		}
	}
}
