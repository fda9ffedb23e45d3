package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"officemafia/internal/game"
	"officemafia/internal/store"
)

var errInjected = errors.New("injected write failure")

// memStore is an in-memory store.Store without the RoleAssigner capability,
// so role writes go through the per-row path.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]game.Session
	players  []game.Player
	nextID   int

	// roleFailures counts how many more role writes fail per player id.
	roleFailures map[string]int
	cleanupErr   error
	cleanupCalls int
}

var _ store.Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		sessions:     make(map[string]game.Session),
		roleFailures: make(map[string]int),
	}
}

func (s *memStore) id(prefix string) string {
	s.nextID++
	return fmt.Sprintf("%s-%d", prefix, s.nextID)
}

func (s *memStore) InsertSession(_ context.Context, hostToken string) (game.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := game.Session{
		ID:        s.id("s"),
		Code:      fmt.Sprintf("CODE%02d", s.nextID),
		HostToken: hostToken,
		Status:    game.StatusWaiting,
		Phase:     game.PhaseLobby,
		CreatedAt: time.Now(),
	}
	s.sessions[sess.ID] = sess
	return sess, nil
}

func (s *memStore) InsertPlayer(_ context.Context, sessionID, displayName string, isHost bool) (game.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return game.Player{}, store.ErrNotFound
	}
	if sess.Status != game.StatusWaiting {
		return game.Player{}, store.ErrSessionNotWaiting
	}
	for _, p := range s.players {
		if p.SessionID == sessionID && p.DisplayName == displayName {
			return game.Player{}, store.ErrDuplicateName
		}
	}
	p := game.Player{
		ID:          s.id("p"),
		SessionID:   sessionID,
		DisplayName: displayName,
		Alive:       true,
		IsHost:      isHost,
		JoinedAt:    time.Now(),
	}
	s.players = append(s.players, p)
	return p, nil
}

func (s *memStore) UpdateSessionFields(_ context.Context, sessionID string, f store.SessionFields) (game.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return game.Session{}, store.ErrNotFound
	}
	if f.ExpectStatus != nil && sess.Status != *f.ExpectStatus {
		return sess, store.ErrStatusMismatch
	}
	if f.Status != nil {
		sess.Status = *f.Status
	}
	if f.Phase != nil {
		sess.Phase = *f.Phase
	}
	if f.Winner != nil {
		sess.Winner = *f.Winner
	}
	s.sessions[sessionID] = sess
	return sess, nil
}

func (s *memStore) UpdatePlayerFields(_ context.Context, playerID string, f store.PlayerFields) (game.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.players {
		if p.ID != playerID {
			continue
		}
		if f.Role != nil && s.roleFailures[playerID] > 0 {
			s.roleFailures[playerID]--
			return p, errInjected
		}
		if f.OnlyIfUnassigned && p.Role != game.RoleUnset {
			return p, store.ErrRoleAlreadySet
		}
		if f.ExpectAlive != nil && p.Alive != *f.ExpectAlive {
			return p, store.ErrAliveMismatch
		}
		if f.RequireSessionStatus != nil && s.sessions[p.SessionID].Status != *f.RequireSessionStatus {
			return p, store.ErrStatusMismatch
		}
		if f.Role != nil {
			p.Role = *f.Role
		}
		if f.Alive != nil {
			p.Alive = *f.Alive
		}
		if f.BonusScore != nil {
			p.BonusScore = *f.BonusScore
		}
		s.players[i] = p
		return p, nil
	}
	return game.Player{}, store.ErrNotFound
}

func (s *memStore) QueryPlayers(_ context.Context, sessionID string) ([]game.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []game.Player{}
	for _, p := range s.players {
		if p.SessionID == sessionID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memStore) QueryPlayerByID(_ context.Context, playerID string) (game.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.players {
		if p.ID == playerID {
			return p, nil
		}
	}
	return game.Player{}, store.ErrNotFound
}

func (s *memStore) QuerySessionByCode(_ context.Context, code string) (game.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.Code == store.NormalizeCode(code) {
			return sess, nil
		}
	}
	return game.Session{}, store.ErrNotFound
}

func (s *memStore) QuerySessionByID(_ context.Context, sessionID string) (game.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return game.Session{}, store.ErrNotFound
	}
	return sess, nil
}

func (s *memStore) Subscribe(string) (<-chan store.Change, func()) {
	ch := make(chan store.Change)
	return ch, func() {}
}

func (s *memStore) RunStaleSessionCleanup(context.Context) (store.CleanupSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanupCalls++
	return store.CleanupSummary{}, s.cleanupErr
}

func (s *memStore) setStatus(sessionID string, st game.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[sessionID]
	sess.Status = st
	s.sessions[sessionID] = sess
}

// recorder collects published events.
type recorder struct {
	mu     sync.Mutex
	events []game.Event
}

func (r *recorder) Publish(e game.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) kinds() []game.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]game.EventKind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind()
	}
	return out
}

func (r *recorder) count(k game.EventKind) int {
	n := 0
	for _, got := range r.kinds() {
		if got == k {
			n++
		}
	}
	return n
}
