package presence

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tutorlink/live/internal/domain"
	"github.com/tutorlink/live/internal/transport"
	"github.com/tutorlink/live/internal/transport/transporttest"
)

func TestTracker_RosterReplacesSet(t *testing.T) {
	bus := transporttest.NewBus()
	tr := NewTracker()
	tr.Attach(bus)

	bus.Emit(transport.EventRoster, []domain.UserID{"A", "B"})

	assert.True(t, tr.IsOnline("A"))
	assert.True(t, tr.IsOnline("B"))
	assert.False(t, tr.IsOnline("C"))

	// A fresh roster is a replace, not a merge.
	bus.Emit(transport.EventRoster, []domain.UserID{"B"})
	assert.False(t, tr.IsOnline("A"))
	assert.True(t, tr.IsOnline("B"))
}

func TestTracker_DisconnectWithoutNewRoster(t *testing.T) {
	bus := transporttest.NewBus()
	tr := NewTracker()
	tr.Attach(bus)

	bus.Emit(transport.EventRoster, []domain.UserID{"A", "B"})
	bus.Emit(transport.EventUserGone, map[string]string{"userId": "A"})

	assert.False(t, tr.IsOnline("A"))
	assert.True(t, tr.IsOnline("B"))
}

func TestTracker_NoChannelDefaultsToOffline(t *testing.T) {
	tr := NewTracker()
	tr.Attach(nil)

	assert.False(t, tr.IsOnline("A"))
	assert.Empty(t, tr.Online())
}

func TestTracker_BeforeFirstRosterOwnIDIsOffline(t *testing.T) {
	bus := transporttest.NewBus()
	tr := NewTracker()
	tr.Attach(bus)

	assert.False(t, tr.IsOnline("me"))
}

func TestTracker_DetachStopsUpdates(t *testing.T) {
	bus := transporttest.NewBus()
	tr := NewTracker()
	tr.Attach(bus)
	tr.Detach()
	tr.Detach() // idempotent

	bus.Emit(transport.EventRoster, []domain.UserID{"A"})
	assert.False(t, tr.IsOnline("A"))
	assert.Zero(t, bus.SubscriberCount(transport.EventRoster))
}
