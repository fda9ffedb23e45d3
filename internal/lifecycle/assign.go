package lifecycle

import (
	"context"
	"errors"
	"log/slog"

	"officemafia/internal/game"
	"officemafia/internal/store"
)

type assignment struct {
	playerID string
	role     game.Role
}

// deal shuffles the labels of dist and hands them to players in join order.
// Failed writes are retried; whatever is still unassigned afterwards is
// reported as a PartialAssignmentError.
func (m *Manager) deal(ctx context.Context, sessionID string, players []game.Player, dist game.Distribution) error {
	labels := dist.Labels()
	if len(labels) != len(players) {
		return game.ErrConfiguration
	}

	m.rngMu.Lock()
	game.Shuffle(labels, m.rng)
	m.rngMu.Unlock()

	pending := make([]assignment, len(players))
	for i, p := range players {
		pending[i] = assignment{playerID: p.ID, role: labels[i]}
	}

	var lastErr error
	for attempt := 0; attempt <= m.retries; attempt++ {
		if attempt > 0 {
			m.observer.RoleAssignmentRetried()
			m.logger.Warn("retrying role assignment",
				slog.String("session_id", sessionID),
				slog.Int("attempt", attempt),
				slog.Int("pending", len(pending)))
		}

		var written []game.Player
		written, pending, lastErr = m.write(ctx, sessionID, pending)
		for _, p := range written {
			m.events.Publish(game.RoleAssigned{SessionID: sessionID, At: m.now().UTC(), PlayerID: p.ID, Role: p.Role})
		}
		if len(pending) == 0 {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
	}

	unassigned := make([]string, len(pending))
	for i, a := range pending {
		unassigned[i] = a.playerID
	}
	m.logger.Error("role assignment incomplete",
		slog.String("session_id", sessionID),
		slog.Int("unassigned", len(unassigned)),
		slog.String("error", errString(lastErr)))
	return &game.PartialAssignmentError{SessionID: sessionID, Unassigned: unassigned, Cause: storeErr(lastErr)}
}

// write persists one round of assignments and returns what is still pending.
func (m *Manager) write(ctx context.Context, sessionID string, batch []assignment) (written []game.Player, pending []assignment, err error) {
	if ra, ok := m.store.(store.RoleAssigner); ok {
		roles := make(map[string]game.Role, len(batch))
		for _, a := range batch {
			roles[a.playerID] = a.role
		}
		written, err = ra.AssignRoles(ctx, sessionID, roles)
		if err != nil {
			return nil, batch, err
		}
		return written, nil, nil
	}

	for _, a := range batch {
		role := a.role
		p, werr := m.store.UpdatePlayerFields(ctx, a.playerID, store.PlayerFields{
			Role:             &role,
			OnlyIfUnassigned: true,
		})
		switch {
		case werr == nil:
			written = append(written, p)
		case errors.Is(werr, store.ErrRoleAlreadySet):
			// an earlier attempt landed after reporting failure
		default:
			err = werr
			pending = append(pending, a)
		}
	}
	return written, pending, err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
