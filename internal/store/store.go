// Package store persists sessions and players and notifies subscribers of
// every committed row change.
package store

import (
	"context"
	"errors"

	"officemafia/internal/game"
)

var (
	// ErrNotFound indicates no row matched the given id or code.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateName indicates the display name is taken within the session.
	ErrDuplicateName = errors.New("display name already taken in session")
	// ErrSessionNotWaiting indicates a player insert against a session that left the lobby.
	ErrSessionNotWaiting = errors.New("session is not accepting players")
	// ErrStatusMismatch indicates a compare-and-set guard on session status failed.
	ErrStatusMismatch = errors.New("session status changed concurrently")
	// ErrAliveMismatch indicates the alive guard failed because the flag already changed.
	ErrAliveMismatch = errors.New("player alive flag changed concurrently")
	// ErrRoleAlreadySet indicates an attempt to overwrite an assigned role.
	ErrRoleAlreadySet = errors.New("player role already assigned")
	// ErrCodeSpaceExhausted indicates repeated session code collisions.
	ErrCodeSpaceExhausted = errors.New("could not allocate a unique session code")
)

// SessionFields is a partial update of a session row.
type SessionFields struct {
	Status *game.Status
	Phase  *game.Phase
	Winner *game.Winner
	// ExpectStatus turns the update into a compare-and-set on status.
	ExpectStatus *game.Status
}

// PlayerFields is a partial update of a player row.
type PlayerFields struct {
	Role       *game.Role
	Alive      *bool
	BonusScore *int
	// OnlyIfUnassigned refuses to overwrite a role that is already set.
	OnlyIfUnassigned bool
	// ExpectAlive applies the update only while the alive flag has this value.
	ExpectAlive *bool
	// RequireSessionStatus applies the update only while the owning session has this status.
	RequireSessionStatus *game.Status
}

// CleanupSummary reports what a cleanup pass changed.
type CleanupSummary struct {
	Abandoned int `json:"abandoned"`
	Deleted   int `json:"deleted"`
}

// ChangeKind identifies the kind of row change.
type ChangeKind string

const (
	ChangeSessionInserted ChangeKind = "session_inserted"
	ChangeSessionUpdated  ChangeKind = "session_updated"
	ChangeSessionDeleted  ChangeKind = "session_deleted"
	ChangePlayerInserted  ChangeKind = "player_inserted"
	ChangePlayerUpdated   ChangeKind = "player_updated"
)

// Change is a row-level notification. Exactly one of Session or Player is set,
// except for ChangeSessionDeleted which carries neither.
type Change struct {
	Seq       uint64
	Kind      ChangeKind
	SessionID string
	Session   *game.Session
	Player    *game.Player
}

// Store is the persistence contract consumed by the lifecycle manager and the
// presence synchronizer.
type Store interface {
	InsertSession(ctx context.Context, hostToken string) (game.Session, error)
	InsertPlayer(ctx context.Context, sessionID, displayName string, isHost bool) (game.Player, error)
	UpdateSessionFields(ctx context.Context, sessionID string, fields SessionFields) (game.Session, error)
	UpdatePlayerFields(ctx context.Context, playerID string, fields PlayerFields) (game.Player, error)
	QueryPlayers(ctx context.Context, sessionID string) ([]game.Player, error)
	QueryPlayerByID(ctx context.Context, playerID string) (game.Player, error)
	QuerySessionByCode(ctx context.Context, code string) (game.Session, error)
	QuerySessionByID(ctx context.Context, sessionID string) (game.Session, error)
	Subscribe(sessionID string) (<-chan Change, func())
	RunStaleSessionCleanup(ctx context.Context) (CleanupSummary, error)
}

// RoleAssigner is implemented by stores that can write every role of a
// session in one transaction. Roles are only written to unassigned players;
// if any target already holds a role nothing is written.
type RoleAssigner interface {
	AssignRoles(ctx context.Context, sessionID string, roles map[string]game.Role) ([]game.Player, error)
}
