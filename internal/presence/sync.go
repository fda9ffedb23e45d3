// Package presence keeps a local view of one session in step with the store.
//
// A Synchronizer subscribes to the session's change feed and, after every
// burst of changes, re-reads the session row and the roster so the view always
// matches committed state rather than a replay of individual deltas.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"officemafia/internal/game"
	"officemafia/internal/store"
)

// View is a consistent snapshot of a session and its roster.
type View struct {
	Session game.Session  `json:"session"`
	Players []game.Player `json:"players"`
	// Seq is the last store change reflected in the view.
	Seq uint64 `json:"seq"`
	// Deleted is set once the session row has been purged.
	Deleted bool `json:"deleted,omitempty"`
}

// Synchronizer maintains a View for one session.
type Synchronizer struct {
	store     store.Store
	sessionID string
	logger    *slog.Logger

	mu   sync.RWMutex
	view View

	updates chan View
	cancel  func()
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// Start subscribes to sessionID and loads the initial view. The subscription
// is opened first so no change committed during the initial read is lost.
func Start(ctx context.Context, s store.Store, sessionID string, logger *slog.Logger) (*Synchronizer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	changes, cancel := s.Subscribe(sessionID)

	sy := &Synchronizer{
		store:     s,
		sessionID: sessionID,
		logger:    logger.With(slog.String("session_id", sessionID)),
		updates:   make(chan View, 1),
		cancel:    cancel,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	view, err := sy.fetch(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	sy.view = view
	sy.updates <- view

	go sy.run(changes)
	return sy, nil
}

// View returns the latest snapshot.
func (sy *Synchronizer) View() View {
	sy.mu.RLock()
	defer sy.mu.RUnlock()
	v := sy.view
	v.Players = append([]game.Player(nil), sy.view.Players...)
	return v
}

// Updates delivers the newest view after each refresh. Intermediate views
// are dropped when the reader falls behind. Closed after Close or when the
// session is deleted.
func (sy *Synchronizer) Updates() <-chan View {
	return sy.updates
}

// Close unsubscribes. It does not touch the session or other subscribers.
func (sy *Synchronizer) Close() {
	sy.once.Do(func() {
		close(sy.stop)
		sy.cancel()
	})
	<-sy.done
}

func (sy *Synchronizer) run(changes <-chan store.Change) {
	defer close(sy.done)
	defer close(sy.updates)

	for {
		var c store.Change
		var ok bool
		select {
		case <-sy.stop:
			return
		case c, ok = <-changes:
			if !ok {
				return
			}
		}

		last := c
		deleted := c.Kind == store.ChangeSessionDeleted
		// coalesce a burst into one refresh
	drain:
		for {
			select {
			case c, ok = <-changes:
				if !ok {
					break drain
				}
				last = c
				deleted = deleted || c.Kind == store.ChangeSessionDeleted
			default:
				break drain
			}
		}

		if deleted {
			sy.publish(View{Session: sy.View().Session, Seq: last.Seq, Deleted: true})
			return
		}

		view, err := sy.fetch(context.Background())
		if errors.Is(err, store.ErrNotFound) {
			sy.publish(View{Session: sy.View().Session, Seq: last.Seq, Deleted: true})
			return
		}
		if err != nil {
			sy.logger.Warn("presence refresh failed", slog.String("error", err.Error()))
			continue
		}
		view.Seq = last.Seq
		sy.publish(view)
	}
}

func (sy *Synchronizer) publish(v View) {
	sy.mu.Lock()
	sy.view = v
	sy.mu.Unlock()

	select {
	case <-sy.updates:
	default:
	}
	sy.updates <- v
}

func (sy *Synchronizer) fetch(ctx context.Context) (View, error) {
	sess, err := sy.store.QuerySessionByID(ctx, sy.sessionID)
	if err != nil {
		return View{}, fmt.Errorf("refresh session: %w", err)
	}
	players, err := sy.store.QueryPlayers(ctx, sy.sessionID)
	if err != nil {
		return View{}, fmt.Errorf("refresh roster: %w", err)
	}
	return View{Session: sess, Players: players}, nil
}
