package lifecycle

import (
	"officemafia/internal/fanout"
	"officemafia/internal/game"
)

// Publisher receives every domain event the manager emits.
type Publisher interface {
	Publish(e game.Event)
}

// Publishers fans one event out to several publishers in order.
type Publishers []Publisher

func (ps Publishers) Publish(e game.Event) {
	for _, p := range ps {
		if p != nil {
			p.Publish(e)
		}
	}
}

// Bus is an in-process event stream keyed by session.
type Bus struct {
	hub *fanout.Hub[game.Event]
}

func NewBus() *Bus {
	return &Bus{hub: fanout.New[game.Event]()}
}

func (b *Bus) Publish(e game.Event) {
	b.hub.Publish(e.Session(), e)
}

// Subscribe streams events for one session. Call cancel to stop receiving.
func (b *Bus) Subscribe(sessionID string) (<-chan game.Event, func()) {
	return b.hub.Subscribe(sessionID)
}

// Observer is notified of lifecycle milestones, typically for metrics.
type Observer interface {
	SessionCreated()
	PlayerJoined()
	SessionStarted()
	RoleAssignmentRetried()
	PlayerEliminated()
	SessionCompleted(w game.Winner)
}

type nopObserver struct{}

func (nopObserver) SessionCreated()              {}
func (nopObserver) PlayerJoined()                {}
func (nopObserver) SessionStarted()              {}
func (nopObserver) RoleAssignmentRetried()       {}
func (nopObserver) PlayerEliminated()            {}
func (nopObserver) SessionCompleted(game.Winner) {}

type nopPublisher struct{}

func (nopPublisher) Publish(game.Event) {}
