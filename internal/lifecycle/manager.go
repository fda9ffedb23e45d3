// Package lifecycle drives a session through lobby, play and completion on
// top of a store.Store, emitting a domain event for every change it makes.
package lifecycle

import (
	"context"
	crand "crypto/rand"
	"errors"
	"log/slog"
	"math/rand/v2"
	"os"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"officemafia/internal/game"
	"officemafia/internal/store"
)

const defaultAssignRetries = 3

// Manager owns the session state machine.
type Manager struct {
	store    store.Store
	events   Publisher
	observer Observer
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
	retries  int

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Option configures a Manager.
type Option func(*Manager)

func WithPublisher(p Publisher) Option { return func(m *Manager) { m.events = p } }
func WithObserver(o Observer) Option   { return func(m *Manager) { m.observer = o } }
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRand fixes the source used to shuffle role labels.
func WithRand(r *rand.Rand) Option { return func(m *Manager) { m.rng = r } }

// WithAssignRetries bounds how many times failed role writes are retried.
func WithAssignRetries(n int) Option { return func(m *Manager) { m.retries = n } }

func WithTracer(t trace.Tracer) Option { return func(m *Manager) { m.tracer = t } }

// New returns a Manager backed by s.
func New(s store.Store, opts ...Option) *Manager {
	m := &Manager{
		store:    s,
		events:   nopPublisher{},
		observer: nopObserver{},
		now:      time.Now,
		retries:  defaultAssignRetries,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	if m.tracer == nil {
		m.tracer = otel.Tracer("officemafia/lifecycle")
	}
	if m.rng == nil {
		m.rng = newSeededRand()
	}
	if m.retries < 0 {
		m.retries = 0
	}
	return m
}

func newSeededRand() *rand.Rand {
	var seed [32]byte
	if _, err := crand.Read(seed[:]); err != nil {
		return rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))
	}
	return rand.New(rand.NewChaCha8(seed))
}

func (m *Manager) span(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "lifecycle."+op, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CreateSession opens a new lobby. An empty hostToken is replaced with a fresh one.
func (m *Manager) CreateSession(ctx context.Context, hostToken string) (sess game.Session, err error) {
	ctx, span := m.span(ctx, "CreateSession")
	defer func() { endSpan(span, err) }()

	if hostToken == "" {
		hostToken = game.NewHostToken()
	}

	// Housekeeping only; a failed sweep never blocks creation.
	if summary, cerr := m.store.RunStaleSessionCleanup(ctx); cerr != nil {
		m.logger.Warn("stale session cleanup failed", slog.String("error", cerr.Error()))
	} else if summary.Abandoned > 0 || summary.Deleted > 0 {
		m.logger.Debug("stale session cleanup",
			slog.Int("abandoned", summary.Abandoned),
			slog.Int("deleted", summary.Deleted))
	}

	sess, err = m.store.InsertSession(ctx, hostToken)
	if err != nil {
		return game.Session{}, storeErr(err)
	}
	span.SetAttributes(attribute.String("session.id", sess.ID))
	m.observer.SessionCreated()
	m.logger.Info("session created", slog.String("session_id", sess.ID), slog.String("code", sess.Code))
	return sess, nil
}

// JoinOption adjusts a join.
type JoinOption func(*joinOptions)

type joinOptions struct {
	asHost    bool
	hostToken string
}

// AsHost joins as the host's own participant row. The token must match the session.
func AsHost(hostToken string) JoinOption {
	return func(o *joinOptions) {
		o.asHost = true
		o.hostToken = hostToken
	}
}

// JoinSession admits displayName into the lobby identified by code.
func (m *Manager) JoinSession(ctx context.Context, code, displayName string, opts ...JoinOption) (p game.Player, err error) {
	ctx, span := m.span(ctx, "JoinSession", attribute.String("session.code", code))
	defer func() { endSpan(span, err) }()

	var o joinOptions
	for _, opt := range opts {
		opt(&o)
	}

	if err := game.ValidateDisplayName(displayName); err != nil {
		return game.Player{}, err
	}

	sess, err := m.store.QuerySessionByCode(ctx, code)
	if err != nil {
		return game.Player{}, storeErr(err)
	}
	if o.asHost && o.hostToken != sess.HostToken {
		return game.Player{}, game.ErrHostTokenMismatch
	}
	if err := joinErr(sess.Status); err != nil {
		return game.Player{}, err
	}

	p, err = m.store.InsertPlayer(ctx, sess.ID, displayName, o.asHost)
	if errors.Is(err, store.ErrSessionNotWaiting) {
		// lost a race with start or cleanup
		current, qerr := m.store.QuerySessionByID(ctx, sess.ID)
		if qerr != nil {
			return game.Player{}, storeErr(qerr)
		}
		if jerr := joinErr(current.Status); jerr != nil {
			return game.Player{}, jerr
		}
		return game.Player{}, game.ErrAlreadyStarted
	}
	if err != nil {
		return game.Player{}, storeErr(err)
	}

	m.observer.PlayerJoined()
	m.events.Publish(game.PlayerJoined{SessionID: sess.ID, At: m.now().UTC(), Player: p})
	m.logger.Info("player joined",
		slog.String("session_id", sess.ID),
		slog.String("player_id", p.ID),
		slog.Bool("host", p.IsHost))
	return p, nil
}

// GetSession returns a session by id.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (game.Session, error) {
	sess, err := m.store.QuerySessionByID(ctx, sessionID)
	return sess, storeErr(err)
}

// FindSession returns the most recent session carrying code.
func (m *Manager) FindSession(ctx context.Context, code string) (game.Session, error) {
	sess, err := m.store.QuerySessionByCode(ctx, code)
	return sess, storeErr(err)
}

// GetPlayer returns a player by id.
func (m *Manager) GetPlayer(ctx context.Context, playerID string) (game.Player, error) {
	p, err := m.store.QueryPlayerByID(ctx, playerID)
	return p, storeErr(err)
}

// ListPlayers returns the roster in join order.
func (m *Manager) ListPlayers(ctx context.Context, sessionID string) ([]game.Player, error) {
	if _, err := m.store.QuerySessionByID(ctx, sessionID); err != nil {
		return nil, storeErr(err)
	}
	players, err := m.store.QueryPlayers(ctx, sessionID)
	if err != nil {
		return nil, storeErr(err)
	}
	return players, nil
}

// StartSession deals roles to every non-host player and moves the session to Night.
//
// The Waiting to InProgress claim is a compare-and-set, so a second start
// fails with ErrAlreadyStarted and never reshuffles. The roster is read
// again after the claim; the store refuses joins from then on.
func (m *Manager) StartSession(ctx context.Context, sessionID string) (sess game.Session, err error) {
	ctx, span := m.span(ctx, "StartSession", attribute.String("session.id", sessionID))
	defer func() { endSpan(span, err) }()

	sess, err = m.store.QuerySessionByID(ctx, sessionID)
	if err != nil {
		return game.Session{}, storeErr(err)
	}
	if err := startErr(sess.Status); err != nil {
		return sess, err
	}

	players, err := m.store.QueryPlayers(ctx, sessionID)
	if err != nil {
		return sess, storeErr(err)
	}
	if n := len(game.Contestants(players)); n < game.MinPlayers {
		return sess, game.WithMetadata(game.CodeInsufficientPlayers, game.ErrInsufficientPlayers.Message,
			map[string]string{"players": strconv.Itoa(n)})
	}

	waiting, running, night := game.StatusWaiting, game.StatusInProgress, game.PhaseNight
	sess, err = m.store.UpdateSessionFields(ctx, sessionID, store.SessionFields{
		Status:       &running,
		Phase:        &night,
		ExpectStatus: &waiting,
	})
	if errors.Is(err, store.ErrStatusMismatch) {
		if serr := startErr(sess.Status); serr != nil {
			return sess, serr
		}
		return sess, game.ErrAlreadyStarted
	}
	if err != nil {
		return sess, storeErr(err)
	}

	players, err = m.store.QueryPlayers(ctx, sessionID)
	if err != nil {
		return sess, &game.PartialAssignmentError{SessionID: sessionID, Cause: storeErr(err)}
	}
	contestants := game.Contestants(players)
	dist, err := game.Distribute(len(contestants))
	if err != nil {
		return sess, err
	}

	m.observer.SessionStarted()
	m.events.Publish(game.SessionStarted{SessionID: sessionID, At: m.now().UTC(), Phase: night, Distribution: dist})
	m.logger.Info("session started",
		slog.String("session_id", sessionID),
		slog.Int("players", len(contestants)))

	if err := m.deal(ctx, sessionID, contestants, dist); err != nil {
		return sess, err
	}
	return sess, nil
}

// ResumeRoleAssignment finishes a start that returned a PartialAssignmentError.
// Only players without a role are dealt, from the labels not yet handed out.
func (m *Manager) ResumeRoleAssignment(ctx context.Context, sessionID string) (assigned []game.Player, err error) {
	ctx, span := m.span(ctx, "ResumeRoleAssignment", attribute.String("session.id", sessionID))
	defer func() { endSpan(span, err) }()

	sess, err := m.store.QuerySessionByID(ctx, sessionID)
	if err != nil {
		return nil, storeErr(err)
	}
	if err := runningErr(sess.Status); err != nil {
		return nil, err
	}

	players, err := m.store.QueryPlayers(ctx, sessionID)
	if err != nil {
		return nil, storeErr(err)
	}
	contestants := game.Contestants(players)

	var dealt []game.Role
	var pending []game.Player
	for _, p := range contestants {
		if p.Role == game.RoleUnset {
			pending = append(pending, p)
		} else {
			dealt = append(dealt, p.Role)
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}

	dist, err := game.Distribute(len(contestants))
	if err != nil {
		return nil, err
	}
	remaining := dist.Remaining(dealt)
	if remaining.Total() != len(pending) {
		return nil, game.WithMetadata(game.CodeConfiguration, "assigned roles do not match the roster",
			map[string]string{"pending": strconv.Itoa(len(pending)), "remaining": strconv.Itoa(remaining.Total())})
	}

	m.logger.Info("resuming role assignment",
		slog.String("session_id", sessionID),
		slog.Int("pending", len(pending)))

	if err := m.deal(ctx, sessionID, pending, remaining); err != nil {
		return nil, err
	}
	refreshed, err := m.store.QueryPlayers(ctx, sessionID)
	if err != nil {
		return nil, storeErr(err)
	}
	byID := make(map[string]bool, len(pending))
	for _, p := range pending {
		byID[p.ID] = true
	}
	for _, p := range refreshed {
		if byID[p.ID] {
			assigned = append(assigned, p)
		}
	}
	return assigned, nil
}

// ChangePhase moves a running session to phase. Phases may be visited in any order.
func (m *Manager) ChangePhase(ctx context.Context, sessionID string, phase game.Phase) (sess game.Session, err error) {
	ctx, span := m.span(ctx, "ChangePhase",
		attribute.String("session.id", sessionID),
		attribute.String("phase", string(phase)))
	defer func() { endSpan(span, err) }()

	if _, err := game.ParsePhase(string(phase)); err != nil {
		return game.Session{}, err
	}

	sess, err = m.store.QuerySessionByID(ctx, sessionID)
	if err != nil {
		return game.Session{}, storeErr(err)
	}
	if sess.Status == game.StatusWaiting && phase == game.PhaseLobby {
		return sess, nil
	}
	if err := runningErr(sess.Status); err != nil {
		return sess, err
	}
	if !phase.Playable() {
		return sess, game.WithMetadata(game.CodeInvalidPhase, "a running session cannot return to the lobby",
			map[string]string{"phase": string(phase)})
	}
	if err := m.requireDealt(ctx, sessionID); err != nil {
		return sess, err
	}

	running := game.StatusInProgress
	sess, err = m.store.UpdateSessionFields(ctx, sessionID, store.SessionFields{Phase: &phase, ExpectStatus: &running})
	if errors.Is(err, store.ErrStatusMismatch) {
		return sess, runningErr(sess.Status)
	}
	if err != nil {
		return sess, storeErr(err)
	}

	m.events.Publish(game.PhaseChanged{SessionID: sessionID, At: m.now().UTC(), Phase: phase})
	m.logger.Info("phase changed", slog.String("session_id", sessionID), slog.String("phase", string(phase)))
	return sess, nil
}

// Elimination is the outcome of EliminatePlayer.
type Elimination struct {
	Player game.Player `json:"player"`
	Winner game.Winner `json:"winner"`
	// Ended is true when the elimination decided the game.
	Ended bool `json:"ended"`
}

// EliminatePlayer marks a player dead and ends the session if that decides it.
// Eliminating a dead player succeeds without emitting an event.
func (m *Manager) EliminatePlayer(ctx context.Context, playerID string) (out Elimination, err error) {
	ctx, span := m.span(ctx, "EliminatePlayer", attribute.String("player.id", playerID))
	defer func() { endSpan(span, err) }()

	p, err := m.setAlive(ctx, playerID, false)
	if err != nil {
		return Elimination{}, err
	}
	out.Player = p

	players, err := m.store.QueryPlayers(ctx, p.SessionID)
	if err != nil {
		return out, storeErr(err)
	}
	out.Winner = game.Evaluate(players)
	if !out.Winner.Decided() {
		return out, nil
	}

	_, err = m.EndSession(ctx, p.SessionID, game.EndReasonFor(out.Winner))
	switch {
	case err == nil, errors.Is(err, game.ErrSessionClosed):
		// a concurrent elimination may have ended it first
		out.Ended = true
		return out, nil
	default:
		return out, err
	}
}

// RevivePlayer marks a player alive again. Roles and phase are untouched.
func (m *Manager) RevivePlayer(ctx context.Context, playerID string) (p game.Player, err error) {
	ctx, span := m.span(ctx, "RevivePlayer", attribute.String("player.id", playerID))
	defer func() { endSpan(span, err) }()

	return m.setAlive(ctx, playerID, true)
}

func (m *Manager) setAlive(ctx context.Context, playerID string, alive bool) (game.Player, error) {
	p, err := m.store.QueryPlayerByID(ctx, playerID)
	if err != nil {
		return game.Player{}, storeErr(err)
	}
	sess, err := m.store.QuerySessionByID(ctx, p.SessionID)
	if err != nil {
		return game.Player{}, storeErr(err)
	}
	if err := runningErr(sess.Status); err != nil {
		return p, err
	}
	if err := m.requireDealt(ctx, sess.ID); err != nil {
		return p, err
	}
	if p.Alive == alive {
		return p, nil
	}

	running, was := game.StatusInProgress, !alive
	updated, err := m.store.UpdatePlayerFields(ctx, playerID, store.PlayerFields{
		Alive:                &alive,
		ExpectAlive:          &was,
		RequireSessionStatus: &running,
	})
	if errors.Is(err, store.ErrAliveMismatch) {
		// a concurrent call already made the flip and emitted the event
		return updated, nil
	}
	if errors.Is(err, store.ErrStatusMismatch) {
		current, qerr := m.store.QuerySessionByID(ctx, sess.ID)
		if qerr != nil {
			return p, storeErr(qerr)
		}
		if rerr := runningErr(current.Status); rerr != nil {
			return p, rerr
		}
		return p, game.ErrSessionClosed
	}
	if err != nil {
		return p, storeErr(err)
	}
	p = updated

	at := m.now().UTC()
	if alive {
		m.events.Publish(game.PlayerRevived{SessionID: p.SessionID, At: at, PlayerID: p.ID})
		m.logger.Info("player revived", slog.String("session_id", p.SessionID), slog.String("player_id", p.ID))
	} else {
		m.observer.PlayerEliminated()
		m.events.Publish(game.PlayerEliminated{SessionID: p.SessionID, At: at, PlayerID: p.ID})
		m.logger.Info("player eliminated", slog.String("session_id", p.SessionID), slog.String("player_id", p.ID))
	}
	return p, nil
}

// requireDealt refuses in-game changes while a start left contestants without
// a role. ResumeRoleAssignment clears the condition.
func (m *Manager) requireDealt(ctx context.Context, sessionID string) error {
	players, err := m.store.QueryPlayers(ctx, sessionID)
	if err != nil {
		return storeErr(err)
	}
	if ids := game.Unassigned(players); len(ids) > 0 {
		return &game.PartialAssignmentError{SessionID: sessionID, Unassigned: ids}
	}
	return nil
}

// EndSession completes a running session. Completed and abandoned sessions
// reject it with ErrSessionClosed.
func (m *Manager) EndSession(ctx context.Context, sessionID string, reason game.EndReason) (sess game.Session, err error) {
	ctx, span := m.span(ctx, "EndSession",
		attribute.String("session.id", sessionID),
		attribute.String("reason", string(reason)))
	defer func() { endSpan(span, err) }()

	sess, err = m.store.QuerySessionByID(ctx, sessionID)
	if err != nil {
		return game.Session{}, storeErr(err)
	}
	if err := runningErr(sess.Status); err != nil {
		return sess, err
	}

	running, completed, end := game.StatusInProgress, game.StatusCompleted, game.PhaseEnd
	winner := reason.Winner()
	sess, err = m.store.UpdateSessionFields(ctx, sessionID, store.SessionFields{
		Status:       &completed,
		Phase:        &end,
		Winner:       &winner,
		ExpectStatus: &running,
	})
	if errors.Is(err, store.ErrStatusMismatch) {
		return sess, runningErr(sess.Status)
	}
	if err != nil {
		return sess, storeErr(err)
	}

	m.observer.SessionCompleted(winner)
	m.events.Publish(game.SessionEnded{SessionID: sessionID, At: m.now().UTC(), Reason: reason, Winner: winner})
	m.logger.Info("session ended",
		slog.String("session_id", sessionID),
		slog.String("reason", string(reason)),
		slog.String("winner", string(winner)))
	return sess, nil
}

// CurrentWinner evaluates the live roster without changing anything.
func (m *Manager) CurrentWinner(ctx context.Context, sessionID string) (game.Winner, error) {
	players, err := m.ListPlayers(ctx, sessionID)
	if err != nil {
		return game.WinnerNone, err
	}
	return game.Evaluate(players), nil
}
