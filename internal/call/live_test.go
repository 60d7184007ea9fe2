package call

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorlink/live/internal/config"
	"github.com/tutorlink/live/internal/domain"
	"github.com/tutorlink/live/internal/gate"
	"github.com/tutorlink/live/internal/presence"
	"github.com/tutorlink/live/internal/relay"
	"github.com/tutorlink/live/internal/transport"
)

// liveScheduling is an in-memory stand-in for the marketplace API.
type liveScheduling struct {
	mu   sync.Mutex
	sess domain.Session
}

func (s *liveScheduling) FetchSession(_ context.Context, id domain.SessionID) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != s.sess.ID {
		return nil, domain.ErrSessionNotFound
	}
	cp := s.sess
	return &cp, nil
}

func (s *liveScheduling) UpdateSessionStatus(_ context.Context, id domain.SessionID, status domain.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == s.sess.ID {
		s.sess.Status = status
	}
	return nil
}

// party is one fully wired client: channel, presence, orchestrator.
type party struct {
	ch      *transport.Channel
	tracker *presence.Tracker
	devices *fakeDevices
	orch    *Orchestrator

	mu    sync.Mutex
	peers []*fakePeer
}

func newParty(t *testing.T, srv *httptest.Server, self domain.UserID) *party {
	t.Helper()
	p := &party{devices: &fakeDevices{}}
	p.ch = transport.NewChannel(transport.Config{
		URL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws",
	})
	require.NoError(t, p.ch.Connect(context.Background(), self))
	t.Cleanup(p.ch.Disconnect)

	p.tracker = presence.NewTracker()
	p.tracker.Attach(p.ch)
	t.Cleanup(p.tracker.Detach)

	factory := func(domain.RoomID) (PeerLink, error) {
		fp := &fakePeer{}
		p.mu.Lock()
		p.peers = append(p.peers, fp)
		p.mu.Unlock()
		return fp, nil
	}
	p.orch = NewOrchestrator(p.ch, p.devices, factory, self)
	t.Cleanup(p.orch.EndCall)
	return p
}

func (p *party) peer() *fakePeer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.peers) == 0 {
		return nil
	}
	return p.peers[len(p.peers)-1]
}

// TestLiveSession_TutorAndStudentFullFlow drives the whole stack against
// a real relay: gating with role windows, presence, seating, offer and
// answer exchange, candidate relay, and hang-up propagation.
func TestLiveSession_TutorAndStudentFullFlow(t *testing.T) {
	cfg := &config.Config{Relay: config.Relay{Mode: "release", Secret: "e2e"}}
	srv := httptest.NewServer(relay.SetupRouter(context.Background(), cfg, relay.NewController(cfg)))
	t.Cleanup(srv.Close)

	sched := &liveScheduling{sess: domain.Session{
		ID:        "sess-1",
		TutorID:   "tutor-1",
		StudentID: "student-1",
		RoomID:    "room-1",
		StartTime: time.Now().Add(-time.Minute),
		Duration:  30,
		Status:    domain.StatusScheduled,
	}}

	// Tutor joins one minute after start: allowed, and the session flips
	// to active on the way in.
	tutorGate := gate.New(sched, "tutor-1")
	decision := tutorGate.CheckJoin(context.Background(), "sess-1")
	require.True(t, decision.Allowed)
	assert.Equal(t, domain.StatusActive, decision.Session.Status)

	studentGate := gate.New(sched, "student-1")
	decision = studentGate.CheckJoin(context.Background(), "sess-1")
	require.True(t, decision.Allowed)

	tutor := newParty(t, srv, "tutor-1")
	student := newParty(t, srv, "student-1")

	// Presence: each side sees the other once the rosters land.
	assert.Eventually(t, func() bool {
		return tutor.tracker.IsOnline("student-1") && student.tracker.IsOnline("tutor-1")
	}, 2*time.Second, 10*time.Millisecond, "rosters propagated")

	studentOut := make(chan struct{}, 1)
	student.orch.OnPeerLeft(func() { studentOut <- struct{}{} })

	require.NoError(t, tutor.orch.StartCall(context.Background(), "room-1", true))
	require.NoError(t, student.orch.StartCall(context.Background(), "room-1", false))

	// First seat offers, second answers, the relay carries both.
	assert.Eventually(t, func() bool {
		p := student.peer()
		return p != nil && p.HasRemoteDescription()
	}, 2*time.Second, 10*time.Millisecond, "offer reached the student")
	assert.Eventually(t, func() bool {
		p := tutor.peer()
		return p != nil && p.HasRemoteDescription()
	}, 2*time.Second, 10*time.Millisecond, "answer reached the tutor")

	// Trickled candidate crosses the relay and lands on the other peer.
	tutor.peer().onICE(webrtc.ICECandidateInit{Candidate: "candidate:host"})
	assert.Eventually(t, func() bool {
		return student.peer().candidateCount() == 1
	}, 2*time.Second, 10*time.Millisecond, "candidate forwarded")

	// Tutor hangs up; the student's side winds down on call-ended.
	tutor.orch.EndCall()

	select {
	case <-studentOut:
	case <-time.After(2 * time.Second):
		t.Fatal("student never heard the hang-up")
	}
	assert.Eventually(t, func() bool {
		return student.devices.openTracks() == 0
	}, 2*time.Second, 10*time.Millisecond, "student media released")
	assert.Zero(t, tutor.devices.openTracks(), "tutor media released")
}

// TestLiveSession_RevocationOverWebhook checks the scheduling webhook
// path: a cancelled status pushed to the relay revokes an armed gate
// watch on a connected client.
func TestLiveSession_RevocationOverWebhook(t *testing.T) {
	cfg := &config.Config{Relay: config.Relay{Mode: "release", Secret: "e2e"}}
	srv := httptest.NewServer(relay.SetupRouter(context.Background(), cfg, relay.NewController(cfg)))
	t.Cleanup(srv.Close)

	sched := &liveScheduling{sess: domain.Session{
		ID:        "sess-2",
		TutorID:   "tutor-1",
		StudentID: "student-1",
		RoomID:    "room-2",
		StartTime: time.Now(),
		Duration:  30,
		Status:    domain.StatusActive,
	}}
	g := gate.New(sched, "student-1")
	require.True(t, g.CheckJoin(context.Background(), "sess-2").Allowed)

	student := newParty(t, srv, "student-1")
	revoked := make(chan domain.Status, 1)
	sub := g.Watch(student.ch, "sess-2", func(s domain.Status) { revoked <- s })
	t.Cleanup(sub.Cancel)

	resp, err := srv.Client().Post(srv.URL+"/api/sessions/sess-2/status", "application/json",
		strings.NewReader(`{"status":"cancelled"}`))
	require.NoError(t, err)
	resp.Body.Close()

	select {
	case s := <-revoked:
		assert.Equal(t, domain.StatusCancelled, s)
	case <-time.After(2 * time.Second):
		t.Fatal("revocation never arrived")
	}
}
