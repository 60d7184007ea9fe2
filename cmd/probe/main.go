// Command probe is a headless call participant for exercising a relay
// end to end: it gates a synthetic session, connects the channel, joins
// the room and negotiates a real peer connection.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tutorlink/live/internal/call"
	"github.com/tutorlink/live/internal/config"
	"github.com/tutorlink/live/internal/domain"
	"github.com/tutorlink/live/internal/gate"
	"github.com/tutorlink/live/internal/presence"
	"github.com/tutorlink/live/internal/transport"
)

// staticScheduling serves one synthetic session assembled from flags, in
// place of the marketplace scheduling API.
type staticScheduling struct {
	mu   sync.Mutex
	sess domain.Session
}

func (s *staticScheduling) FetchSession(_ context.Context, id domain.SessionID) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != s.sess.ID {
		return nil, domain.ErrSessionNotFound
	}
	cp := s.sess
	return &cp, nil
}

func (s *staticScheduling) UpdateSessionStatus(_ context.Context, id domain.SessionID, status domain.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == s.sess.ID {
		s.sess.Status = status
		log.Info().Str("module", "probe").Str("status", string(status)).Msg("session status updated")
	}
	return nil
}

func main() {
	var (
		user     = flag.String("user", "tutor-1", "identity to connect as")
		tutor    = flag.String("tutor", "tutor-1", "session tutor id")
		student  = flag.String("student", "student-1", "session student id")
		session  = flag.String("session", "sess-1", "session id")
		room     = flag.String("room", "room-1", "room id")
		startIn  = flag.Duration("start-in", 0, "session start relative to now (may be negative)")
		duration = flag.Int("duration", 30, "session duration in minutes")
	)
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.DebugLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}

	sched := &staticScheduling{sess: domain.Session{
		ID:        domain.SessionID(*session),
		TutorID:   domain.UserID(*tutor),
		StudentID: domain.UserID(*student),
		RoomID:    domain.RoomID(*room),
		StartTime: time.Now().Add(*startIn),
		Duration:  *duration,
		Status:    domain.StatusScheduled,
	}}

	self := domain.UserID(*user)
	g := gate.New(sched, self,
		gate.WithJoinWindows(cfg.Client.TutorJoinWindow, cfg.Client.StudentJoinWindow))

	decision := g.CheckJoin(ctx, domain.SessionID(*session))
	if !decision.Allowed {
		log.Error().Str("module", "probe").Str("reason", string(decision.Reason)).Time("retryAt", decision.RetryAt).Msg("join refused")
		os.Exit(1)
	}
	sess := decision.Session
	role, _ := sess.RoleOf(self)
	log.Info().Str("module", "probe").Str("role", string(role)).Str("room", string(sess.RoomID)).Msg("join allowed")

	ch := transport.NewChannel(transport.Config{
		URL:               cfg.Client.RelayURL,
		ReconnectAttempts: cfg.Client.ReconnectAttempts,
		ReconnectBackoff:  cfg.Client.ReconnectBackoff,
	})
	if err := ch.Connect(ctx, self); err != nil {
		log.Fatal().Err(err).Msg("channel connect")
	}
	defer ch.Disconnect()

	tracker := presence.NewTracker()
	tracker.Attach(ch)
	defer tracker.Detach()

	engine, err := call.NewEngine(cfg.Client.StunURLs)
	if err != nil {
		log.Fatal().Err(err).Msg("media engine")
	}

	orch := call.NewOrchestrator(ch, engine, engine.NewPeer, self)
	orch.OnRemoteTrack(func(track *webrtc.TrackRemote) {
		log.Info().Str("module", "probe").Str("kind", track.Kind().String()).Msg("remote track")
	})
	orch.OnConnected(func() {
		log.Info().Str("module", "probe").Msg("call connected")
	})
	orch.OnPeerLeft(func() {
		log.Info().Str("module", "probe").Msg("peer left, exiting")
		cancel()
	})
	orch.OnTerminal(func(err error) {
		log.Error().Err(err).Str("module", "probe").Msg("call failed")
		cancel()
	})

	revocation := g.Watch(ch, sess.ID, func(status domain.Status) {
		log.Warn().Str("module", "probe").Str("status", string(status)).Msg("session revoked, exiting")
		orch.EndCall()
		cancel()
	})
	defer revocation.Cancel()

	// The tutor holds the first seat and initiates; the relay confirms or
	// corrects via the room-joined ack.
	if err := orch.StartCall(ctx, sess.RoomID, role == domain.RoleTutor); err != nil {
		log.Fatal().Err(err).Msg("start call")
	}
	if err := orch.CallError(); err != nil {
		log.Warn().Err(err).Str("module", "probe").Msg("degraded call")
	}

	<-ctx.Done()
	orch.EndCall()
	log.Info().Str("module", "probe").Msg("probe exited")
}
