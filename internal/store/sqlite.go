package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"officemafia/internal/fanout"
	"officemafia/internal/game"
)

// Options tunes a SQLite store.
type Options struct {
	// StaleAfter is how long a session may wait in the lobby before cleanup abandons it.
	StaleAfter time.Duration
	// RetainFor is how long completed or abandoned sessions are kept before deletion.
	RetainFor time.Duration
	Logger    *slog.Logger
	Now       func() time.Time
	// CodeGenerator overrides session code generation.
	CodeGenerator func() string
}

const (
	defaultStaleAfter = 2 * time.Hour
	defaultRetainFor  = 24 * time.Hour
)

// SQLite is a Store backed by a single SQLite database file.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
	code   func() string

	staleAfter time.Duration
	retainFor  time.Duration

	// writeMu orders commits with their change notifications.
	writeMu sync.Mutex
	seq     uint64
	feed    *fanout.Hub[Change]
}

var _ Store = (*SQLite)(nil)
var _ RoleAssigner = (*SQLite)(nil)

// Open prepares a SQLite database at the given path and ensures the schema exists.
func Open(path string, opts Options) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLite{
		db:         db,
		logger:     opts.Logger,
		now:        opts.Now,
		code:       opts.CodeGenerator,
		staleAfter: opts.StaleAfter,
		retainFor:  opts.RetainFor,
		feed:       fanout.New[Change](),
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.code == nil {
		s.code = generateCode
	}
	if s.staleAfter <= 0 {
		s.staleAfter = defaultStaleAfter
	}
	if s.retainFor <= 0 {
		s.retainFor = defaultRetainFor
	}
	return s, nil
}

func initSchema(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			code TEXT NOT NULL,
			host_token TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('waiting', 'in_progress', 'completed', 'abandoned')),
			phase TEXT NOT NULL CHECK (phase IN ('lobby', 'night', 'day', 'voting', 'end')),
			winner TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS players (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			display_name TEXT NOT NULL,
			role TEXT CHECK (role IS NULL OR role IN ('employee', 'rogue', 'auditor', 'protector')),
			alive INTEGER NOT NULL DEFAULT 1,
			is_host INTEGER NOT NULL DEFAULT 0,
			bonus_score INTEGER NOT NULL DEFAULT 0 CHECK (bonus_score >= 0),
			joined_at INTEGER NOT NULL,
			FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE,
			UNIQUE(session_id, display_name)
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_active_code ON sessions(code) WHERE status IN ('waiting', 'in_progress');`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_code_created ON sessions(code, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status_created ON sessions(status, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_players_session_joined ON players(session_id, joined_at);`,
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	return nil
}

// Close releases database resources.
func (s *SQLite) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping reports whether the database is reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Subscribe streams row changes for one session in commit order.
func (s *SQLite) Subscribe(sessionID string) (<-chan Change, func()) {
	return s.feed.Subscribe(sessionID)
}

// publish must be called with writeMu held.
func (s *SQLite) publish(c Change) {
	s.seq++
	c.Seq = s.seq
	s.feed.Publish(c.SessionID, c)
}

// InsertSession creates a Waiting lobby under a fresh code, retrying on code collisions.
func (s *SQLite) InsertSession(ctx context.Context, hostToken string) (game.Session, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := s.now().UTC()
	for range maxCodeAttempts {
		sess := game.Session{
			ID:        uuid.NewString(),
			Code:      s.code(),
			HostToken: hostToken,
			Status:    game.StatusWaiting,
			Phase:     game.PhaseLobby,
			Winner:    game.WinnerNone,
			CreatedAt: time.UnixMilli(now.UnixMilli()).UTC(),
		}
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO sessions (id, code, host_token, status, phase, winner, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, sess.Code, sess.HostToken, sess.Status, sess.Phase, sess.Winner,
			now.UnixMilli(), now.UnixMilli())
		if err == nil {
			s.publish(Change{Kind: ChangeSessionInserted, SessionID: sess.ID, Session: &sess})
			return sess, nil
		}
		if isUniqueViolation(err, "sessions.code") {
			s.logger.Debug("session code collision", slog.String("code", sess.Code))
			continue
		}
		return game.Session{}, fmt.Errorf("insert session: %w", err)
	}
	return game.Session{}, ErrCodeSpaceExhausted
}

// InsertPlayer admits a player while the session is Waiting and the name is free.
func (s *SQLite) InsertPlayer(ctx context.Context, sessionID, displayName string, isHost bool) (game.Player, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := s.now().UTC()
	p := game.Player{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		DisplayName: displayName,
		Alive:       true,
		IsHost:      isHost,
		JoinedAt:    time.UnixMilli(now.UnixMilli()).UTC(),
	}

	// The status guard and the (session_id, display_name) unique key make the
	// admission check atomic with the insert.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO players (id, session_id, display_name, role, alive, is_host, bonus_score, joined_at)
		 SELECT ?, ?, ?, NULL, 1, ?, 0, ?
		 WHERE EXISTS (SELECT 1 FROM sessions WHERE id = ? AND status = ?)`,
		p.ID, sessionID, displayName, boolToInt(isHost), now.UnixMilli(), sessionID, game.StatusWaiting)
	if err != nil {
		if isUniqueViolation(err, "players.session_id") {
			return game.Player{}, ErrDuplicateName
		}
		return game.Player{}, fmt.Errorf("insert player: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return game.Player{}, fmt.Errorf("insert player: %w", err)
	} else if n == 0 {
		if _, err := s.querySession(ctx, sessionID); err != nil {
			return game.Player{}, err
		}
		return game.Player{}, ErrSessionNotWaiting
	}

	s.publish(Change{Kind: ChangePlayerInserted, SessionID: sessionID, Player: &p})
	return p, nil
}

// UpdateSessionFields applies a partial update, as a compare-and-set when ExpectStatus is set.
func (s *SQLite) UpdateSessionFields(ctx context.Context, sessionID string, fields SessionFields) (game.Session, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	sets := []string{"updated_at = ?"}
	args := []any{s.now().UTC().UnixMilli()}
	if fields.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *fields.Status)
	}
	if fields.Phase != nil {
		sets = append(sets, "phase = ?")
		args = append(args, *fields.Phase)
	}
	if fields.Winner != nil {
		sets = append(sets, "winner = ?")
		args = append(args, *fields.Winner)
	}

	query := "UPDATE sessions SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	args = append(args, sessionID)
	if fields.ExpectStatus != nil {
		query += " AND status = ?"
		args = append(args, *fields.ExpectStatus)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return game.Session{}, fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return game.Session{}, fmt.Errorf("update session: %w", err)
	}

	sess, err := s.querySession(ctx, sessionID)
	if err != nil {
		return game.Session{}, err
	}
	if n == 0 {
		return sess, ErrStatusMismatch
	}

	s.publish(Change{Kind: ChangeSessionUpdated, SessionID: sessionID, Session: &sess})
	return sess, nil
}

// UpdatePlayerFields applies a partial update subject to the guards in fields.
func (s *SQLite) UpdatePlayerFields(ctx context.Context, playerID string, fields PlayerFields) (game.Player, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var sets []string
	var args []any
	if fields.Role != nil {
		sets = append(sets, "role = ?")
		args = append(args, roleValue(*fields.Role))
	}
	if fields.Alive != nil {
		sets = append(sets, "alive = ?")
		args = append(args, boolToInt(*fields.Alive))
	}
	if fields.BonusScore != nil {
		sets = append(sets, "bonus_score = ?")
		args = append(args, *fields.BonusScore)
	}
	if len(sets) == 0 {
		return s.queryPlayer(ctx, playerID)
	}

	query := "UPDATE players SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	args = append(args, playerID)
	if fields.OnlyIfUnassigned {
		query += " AND role IS NULL"
	}
	if fields.ExpectAlive != nil {
		query += " AND alive = ?"
		args = append(args, boolToInt(*fields.ExpectAlive))
	}
	if fields.RequireSessionStatus != nil {
		query += " AND EXISTS (SELECT 1 FROM sessions WHERE sessions.id = players.session_id AND sessions.status = ?)"
		args = append(args, *fields.RequireSessionStatus)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return game.Player{}, fmt.Errorf("update player: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return game.Player{}, fmt.Errorf("update player: %w", err)
	}

	p, err := s.queryPlayer(ctx, playerID)
	if err != nil {
		return game.Player{}, err
	}
	if n == 0 {
		if fields.OnlyIfUnassigned && p.Role != game.RoleUnset {
			return p, ErrRoleAlreadySet
		}
		if fields.ExpectAlive != nil && p.Alive != *fields.ExpectAlive {
			return p, ErrAliveMismatch
		}
		return p, ErrStatusMismatch
	}

	s.publish(Change{Kind: ChangePlayerUpdated, SessionID: p.SessionID, Player: &p})
	return p, nil
}

// AssignRoles writes every role in a single transaction.
func (s *SQLite) AssignRoles(ctx context.Context, sessionID string, roles map[string]game.Role) ([]game.Player, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin role assignment: %w", err)
	}
	for playerID, role := range roles {
		res, err := tx.ExecContext(ctx,
			`UPDATE players SET role = ? WHERE id = ? AND session_id = ? AND role IS NULL`,
			roleValue(role), playerID, sessionID)
		if err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("assign role to %s: %w", playerID, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("assign role to %s: %w", playerID, err)
		} else if n != 1 {
			_ = tx.Rollback()
			return nil, fmt.Errorf("assign role to %s: %w", playerID, ErrRoleAlreadySet)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit role assignment: %w", err)
	}

	players, err := s.queryPlayers(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var assigned []game.Player
	for _, p := range players {
		if _, ok := roles[p.ID]; !ok {
			continue
		}
		assigned = append(assigned, p)
		s.publish(Change{Kind: ChangePlayerUpdated, SessionID: sessionID, Player: &p})
	}
	return assigned, nil
}

func (s *SQLite) QueryPlayers(ctx context.Context, sessionID string) ([]game.Player, error) {
	return s.queryPlayers(ctx, sessionID)
}

func (s *SQLite) QueryPlayerByID(ctx context.Context, playerID string) (game.Player, error) {
	return s.queryPlayer(ctx, playerID)
}

func (s *SQLite) QuerySessionByID(ctx context.Context, sessionID string) (game.Session, error) {
	return s.querySession(ctx, sessionID)
}

// QuerySessionByCode returns the most recent session carrying code.
func (s *SQLite) QuerySessionByCode(ctx context.Context, code string) (game.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE code = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		NormalizeCode(code))
	return scanSession(row)
}

// RunStaleSessionCleanup abandons lobbies older than StaleAfter and deletes
// terminal sessions untouched for RetainFor. Players go with their session.
func (s *SQLite) RunStaleSessionCleanup(ctx context.Context) (CleanupSummary, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := s.now().UTC()
	staleBefore := now.Add(-s.staleAfter).UnixMilli()
	purgeBefore := now.Add(-s.retainFor).UnixMilli()

	var summary CleanupSummary

	staleIDs, err := s.selectIDs(ctx,
		`SELECT id FROM sessions WHERE status = ? AND created_at < ?`, game.StatusWaiting, staleBefore)
	if err != nil {
		return summary, fmt.Errorf("find stale sessions: %w", err)
	}
	for _, id := range staleIDs {
		res, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			game.StatusAbandoned, now.UnixMilli(), id, game.StatusWaiting)
		if err != nil {
			return summary, fmt.Errorf("abandon session %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		summary.Abandoned++
		if sess, err := s.querySession(ctx, id); err == nil {
			s.publish(Change{Kind: ChangeSessionUpdated, SessionID: id, Session: &sess})
		}
	}

	purgeIDs, err := s.selectIDs(ctx,
		`SELECT id FROM sessions WHERE status IN (?, ?) AND updated_at < ?`,
		game.StatusCompleted, game.StatusAbandoned, purgeBefore)
	if err != nil {
		return summary, fmt.Errorf("find expired sessions: %w", err)
	}
	for _, id := range purgeIDs {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
			return summary, fmt.Errorf("delete session %s: %w", id, err)
		}
		summary.Deleted++
		s.publish(Change{Kind: ChangeSessionDeleted, SessionID: id})
	}

	if summary.Abandoned > 0 || summary.Deleted > 0 {
		s.logger.Info("session cleanup",
			slog.Int("abandoned", summary.Abandoned),
			slog.Int("deleted", summary.Deleted))
	}
	return summary, nil
}

const sessionColumns = `id, code, host_token, status, phase, winner, created_at`
const playerColumns = `id, session_id, display_name, role, alive, is_host, bonus_score, joined_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLite) querySession(ctx context.Context, id string) (game.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func (s *SQLite) queryPlayer(ctx context.Context, id string) (game.Player, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+playerColumns+` FROM players WHERE id = ?`, id)
	return scanPlayer(row)
}

func (s *SQLite) queryPlayers(ctx context.Context, sessionID string) ([]game.Player, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+playerColumns+` FROM players WHERE session_id = ? ORDER BY joined_at ASC, rowid ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("query players: %w", err)
	}
	defer rows.Close()

	players := []game.Player{}
	for rows.Next() {
		p, err := scanPlayer(rows)
		if err != nil {
			return nil, err
		}
		players = append(players, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query players: %w", err)
	}
	return players, nil
}

func (s *SQLite) selectIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanSession(row rowScanner) (game.Session, error) {
	var (
		sess      game.Session
		status    string
		phase     string
		winner    string
		createdAt int64
	)
	if err := row.Scan(&sess.ID, &sess.Code, &sess.HostToken, &status, &phase, &winner, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return game.Session{}, ErrNotFound
		}
		return game.Session{}, fmt.Errorf("scan session: %w", err)
	}
	sess.Status = game.Status(status)
	sess.Phase = game.Phase(phase)
	sess.Winner = game.Winner(winner)
	sess.CreatedAt = time.UnixMilli(createdAt).UTC()
	return sess, nil
}

func scanPlayer(row rowScanner) (game.Player, error) {
	var (
		p        game.Player
		role     sql.NullString
		alive    int
		isHost   int
		joinedAt int64
	)
	if err := row.Scan(&p.ID, &p.SessionID, &p.DisplayName, &role, &alive, &isHost, &p.BonusScore, &joinedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return game.Player{}, ErrNotFound
		}
		return game.Player{}, fmt.Errorf("scan player: %w", err)
	}
	if role.Valid {
		p.Role = game.Role(role.String)
	}
	p.Alive = alive != 0
	p.IsHost = isHost != 0
	p.JoinedAt = time.UnixMilli(joinedAt).UTC()
	return p, nil
}

func roleValue(r game.Role) any {
	if r == game.RoleUnset {
		return nil
	}
	return string(r)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation matches SQLite's "UNIQUE constraint failed: <table>.<col>, ..." message.
func isUniqueViolation(err error, column string) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, column)
}
