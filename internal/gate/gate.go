// Package gate decides whether a participant may join a session's call
// room right now, and drives the scheduled→active transition.
package gate

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/tutorlink/live/internal/domain"
	"github.com/tutorlink/live/internal/transport"
)

// Scheduling is the external collaborator owning session records. Both
// calls are fallible; the gate never blocks a join on UpdateSessionStatus.
type Scheduling interface {
	FetchSession(ctx context.Context, id domain.SessionID) (*domain.Session, error)
	UpdateSessionStatus(ctx context.Context, id domain.SessionID, status domain.Status) error
}

// Default join windows before the scheduled start, per role.
const (
	TutorJoinWindow   = 10 * time.Minute
	StudentJoinWindow = 5 * time.Minute
)

// Reason is a user-facing rejection, not an exception. The gate never
// retries on the caller's behalf; the caller re-initiates after the
// condition changes.
type Reason string

const (
	ReasonNotFound      Reason = "session not found"
	ReasonNotAuthorized Reason = "not authorized"
	ReasonNotYetOpen    Reason = "join window not yet open"
	ReasonEnded         Reason = "session ended or cancelled"
)

// Decision is the outcome of one join attempt.
type Decision struct {
	Allowed bool
	Reason  Reason
	// RetryAt tells a too-early caller when the window opens, so the UI
	// can offer an actionable "available soon" instead of a dead end.
	RetryAt time.Time
	Session *domain.Session
}

type Option func(*Gate)

// WithClock injects the wall clock, for boundary tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

func WithJoinWindows(tutor, student time.Duration) Option {
	return func(g *Gate) {
		g.tutorWindow = tutor
		g.studentWindow = student
	}
}

func WithUpdateTimeout(d time.Duration) Option {
	return func(g *Gate) { g.updateTimeout = d }
}

// Gate evaluates join eligibility for one authenticated identity. The
// identity is an explicit constructor parameter rather than ambient
// state, so multiple simulated identities can coexist in one process.
type Gate struct {
	api      Scheduling
	identity domain.UserID
	validate *validator.Validate

	now           func() time.Time
	tutorWindow   time.Duration
	studentWindow time.Duration
	updateTimeout time.Duration
}

func New(api Scheduling, identity domain.UserID, opts ...Option) *Gate {
	g := &Gate{
		api:           api,
		identity:      identity,
		validate:      validator.New(),
		now:           time.Now,
		tutorWindow:   TutorJoinWindow,
		studentWindow: StudentJoinWindow,
		updateTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CheckJoin runs the eligibility algorithm for one attempt:
//
//  1. the caller must be the session's tutor or student;
//  2. the current time must be past startTime minus the role's window;
//  3. the session must not be over or in a terminal status;
//  4. on the first eligible join at/after startTime, a scheduled session
//     is optimistically transitioned to active.
func (g *Gate) CheckJoin(ctx context.Context, id domain.SessionID) Decision {
	sess, err := g.api.FetchSession(ctx, id)
	if err != nil || sess == nil {
		log.Warn().Err(err).Str("module", "gate").Str("session", string(id)).Msg("fetch session failed")
		return Decision{Reason: ReasonNotFound}
	}
	if err := g.validate.Struct(sess); err != nil {
		log.Error().Err(err).Str("module", "gate").Str("session", string(id)).Msg("malformed session record")
		return Decision{Reason: ReasonNotFound}
	}

	role, ok := sess.RoleOf(g.identity)
	if !ok {
		log.Info().Str("module", "gate").Str("session", string(id)).Str("user", string(g.identity)).Msg("join rejected, wrong party")
		return Decision{Reason: ReasonNotAuthorized}
	}

	window := g.studentWindow
	if role == domain.RoleTutor {
		window = g.tutorWindow
	}
	now := g.now()
	opensAt := sess.StartTime.Add(-window)
	if now.Before(opensAt) {
		return Decision{Reason: ReasonNotYetOpen, RetryAt: opensAt, Session: sess}
	}
	if now.After(sess.EndTime()) || sess.Status.Terminal() {
		return Decision{Reason: ReasonEnded, Session: sess}
	}

	if sess.Status == domain.StatusScheduled && !now.Before(sess.StartTime) {
		g.activate(sess.ID)
		sess.Status = domain.StatusActive
	}

	log.Info().Str("module", "gate").Str("session", string(id)).Str("role", string(role)).Msg("join allowed")
	return Decision{Allowed: true, Session: sess}
}

// activate requests scheduled→active without blocking the join on the
// round trip. A failed update is logged; the record stays scheduled on
// the collaborator's side and the next eligible join re-requests it.
func (g *Gate) activate(id domain.SessionID) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), g.updateTimeout)
		defer cancel()
		if err := g.api.UpdateSessionStatus(ctx, id, domain.StatusActive); err != nil {
			log.Error().Err(err).Str("module", "gate").Str("session", string(id)).Msg("status update failed")
		}
	}()
}

// Watch wires the externally driven transitions: when the relay pushes a
// terminal status for this session, join eligibility is revoked and
// onRevoked tells the call surface to exit.
func (g *Gate) Watch(bus transport.Bus, id domain.SessionID, onRevoked func(domain.Status)) *transport.Subscription {
	if bus == nil {
		return transport.NewSubscription(nil)
	}
	return bus.Subscribe(transport.EventSessionUpd, func(data []byte) {
		var p struct {
			SessionID domain.SessionID `json:"sessionId"`
			Status    domain.Status    `json:"status"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			log.Error().Err(err).Str("module", "gate").Msg("bad session-updated payload")
			return
		}
		if p.SessionID != id || !p.Status.Terminal() {
			return
		}
		log.Info().Str("module", "gate").Str("session", string(id)).Str("status", string(p.Status)).Msg("session revoked")
		onRevoked(p.Status)
	})
}
