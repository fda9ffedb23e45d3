package lifecycle

import (
	"errors"

	"officemafia/internal/game"
	"officemafia/internal/store"
)

// storeErr lifts a store failure into the domain taxonomy.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	var de *game.Error
	if errors.As(err, &de) {
		return err
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return game.Wrap(game.CodeNotFound, "not found", err)
	case errors.Is(err, store.ErrDuplicateName):
		return game.Wrap(game.CodeDuplicateName, game.ErrDuplicateName.Message, err)
	default:
		return game.Wrap(game.CodeStoreUnavailable, game.ErrStoreUnavailable.Message, err)
	}
}

// joinErr explains why a session in status s refuses new players.
func joinErr(s game.Status) error {
	switch s {
	case game.StatusInProgress:
		return game.ErrAlreadyStarted
	case game.StatusCompleted:
		return game.ErrAlreadyEnded
	case game.StatusAbandoned:
		return game.ErrExpired
	default:
		return nil
	}
}

// startErr explains why a session in status s cannot be started.
func startErr(s game.Status) error {
	if s == game.StatusWaiting {
		return nil
	}
	return joinErr(s)
}

// runningErr explains why a session in status s refuses in-game mutations.
func runningErr(s game.Status) error {
	switch s {
	case game.StatusInProgress:
		return nil
	case game.StatusWaiting:
		return game.ErrNotStarted
	default:
		return game.ErrSessionClosed
	}
}
