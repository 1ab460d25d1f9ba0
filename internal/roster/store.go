// Package roster persists sessions and their participants, and keeps the
// local projection of who is present.
package roster

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"sanctuary/rtc/internal/domain"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrInvalidSession is returned for a session record that cannot be stored.
var ErrInvalidSession = errors.New("invalid session")

// Store is the SQLite roster. It implements domain.Roster and
// domain.SessionAdmin.
type Store struct {
	db       *sql.DB
	notifier *Notifier
	now      func() time.Time
}

// Open opens or creates the database at path and applies migrations. The
// path ":memory:" gives a private in-memory database.
func Open(path string) (*Store, error) {
	var dsn string
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	} else {
		dsn = ":memory:?_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection serializes writers and keeps :memory: a single database.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	migrations, err := fs.Sub(embeddedMigrations, "migrations")
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db, migrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db, notifier: NewNotifier(), now: time.Now}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Subscribe delivers a trigger after every change to the roster of sessionID.
func (s *Store) Subscribe(sessionID string) (<-chan struct{}, func()) {
	return s.notifier.Subscribe(sessionID)
}

// Version increases with every change to the roster of sessionID.
func (s *Store) Version(sessionID string) uint64 {
	return s.notifier.Version(sessionID)
}

const sessionColumns = `id, kind, title, description, status, host_id, max_participants,
	stream_key, external_url, scheduled_at, started_at, ended_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (domain.Session, error) {
	var (
		sess                      domain.Session
		kind, status              string
		scheduled, started, ended sql.NullInt64
		created                   int64
	)
	err := row.Scan(&sess.ID, &kind, &sess.Title, &sess.Description, &status, &sess.HostID,
		&sess.MaxParticipants, &sess.StreamKey, &sess.ExternalURL, &scheduled, &started, &ended, &created)
	if err != nil {
		return domain.Session{}, err
	}
	sess.Kind = domain.SessionKind(kind)
	sess.Status = domain.SessionStatus(status)
	sess.ScheduledAt = fromNull(scheduled)
	sess.StartedAt = fromNull(started)
	sess.EndedAt = fromNull(ended)
	sess.CreatedAt = time.UnixMilli(created)
	return sess, nil
}

func (s *Store) Session(ctx context.Context, id string) (domain.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// CreateSession stores a new session. Missing id, kind and status default to
// a fresh uuid, mesh and scheduled.
func (s *Store) CreateSession(ctx context.Context, sess domain.Session) (domain.Session, error) {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.Kind == "" {
		sess.Kind = domain.SessionMesh
	}
	if sess.Status == "" {
		sess.Status = domain.StatusScheduled
	}
	if sess.Kind != domain.SessionMesh && sess.Kind != domain.SessionBroadcast {
		return domain.Session{}, fmt.Errorf("%w: kind %q", ErrInvalidSession, sess.Kind)
	}
	if !sess.Status.Valid() {
		return domain.Session{}, fmt.Errorf("%w: status %q", ErrInvalidSession, sess.Status)
	}
	if sess.MaxParticipants < 0 {
		return domain.Session{}, fmt.Errorf("%w: negative capacity", ErrInvalidSession)
	}

	now := s.now()
	sess.CreatedAt = now.Truncate(time.Millisecond)
	if sess.Status == domain.StatusActive && sess.StartedAt == nil {
		t := sess.CreatedAt
		sess.StartedAt = &t
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, string(sess.Kind), sess.Title, sess.Description, string(sess.Status), sess.HostID,
		sess.MaxParticipants, sess.StreamKey, sess.ExternalURL,
		toNull(sess.ScheduledAt), toNull(sess.StartedAt), toNull(sess.EndedAt), sess.CreatedAt.UnixMilli())
	if err != nil {
		return domain.Session{}, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// ListSessions returns sessions newest first. An empty status lists all.
func (s *Store) ListSessions(ctx context.Context, status domain.SessionStatus) ([]domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// SetSessionStatus moves a session to status. Activating stamps started_at
// once; ending stamps ended_at and marks every present participant as left.
func (s *Store) SetSessionStatus(ctx context.Context, id string, status domain.SessionStatus) (domain.Session, error) {
	if !status.Valid() {
		return domain.Session{}, fmt.Errorf("%w: status %q", ErrInvalidSession, status)
	}
	now := s.now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var res sql.Result
	switch status {
	case domain.StatusActive:
		res, err = tx.ExecContext(ctx,
			`UPDATE sessions SET status = ?, started_at = COALESCE(started_at, ?), ended_at = NULL WHERE id = ?`,
			string(status), now, id)
	case domain.StatusEnded:
		res, err = tx.ExecContext(ctx,
			`UPDATE sessions SET status = ?, ended_at = ? WHERE id = ?`, string(status), now, id)
		if err == nil {
			_, err = tx.ExecContext(ctx,
				`UPDATE participants SET left_at = ? WHERE session_id = ? AND left_at IS NULL`, now, id)
		}
	default:
		res, err = tx.ExecContext(ctx, `UPDATE sessions SET status = ? WHERE id = ?`, string(status), id)
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("set session status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Session{}, domain.ErrSessionNotFound
	}

	sess, err := scanSession(tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if err != nil {
		return domain.Session{}, fmt.Errorf("reload session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, fmt.Errorf("commit: %w", err)
	}
	s.notifier.Notify(id)
	return sess, nil
}

const participantColumns = `id, session_id, participant_id, role, audio_muted, video_enabled,
	hand_raised, joined_at, left_at`

func scanParticipant(row rowScanner) (domain.Participant, error) {
	var (
		p      domain.Participant
		joined int64
		left   sql.NullInt64
	)
	err := row.Scan(&p.ID, &p.SessionID, &p.ParticipantID, &p.Role,
		&p.AudioMuted, &p.VideoEnabled, &p.HandRaised, &joined, &left)
	if err != nil {
		return domain.Participant{}, err
	}
	p.JoinedAt = time.UnixMilli(joined)
	p.LeftAt = fromNull(left)
	return p, nil
}

// ActiveParticipants lists present participants in join order.
func (s *Store) ActiveParticipants(ctx context.Context, sessionID string) ([]domain.Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+participantColumns+` FROM participants
		WHERE session_id = ? AND left_at IS NULL
		ORDER BY joined_at, participant_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var out []domain.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertParticipant inserts the row for (session, participant) or revives the
// existing one, so repeated joins leave exactly one row. A session at
// capacity rejects newcomers with ErrSessionFull.
func (s *Store) UpsertParticipant(ctx context.Context, p domain.Participant) (domain.Participant, error) {
	if p.Role == "" {
		p.Role = domain.RoleParticipant
	}
	now := s.now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Participant{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var capacity int
	err = tx.QueryRowContext(ctx, `SELECT max_participants FROM sessions WHERE id = ?`, p.SessionID).Scan(&capacity)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Participant{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.Participant{}, fmt.Errorf("get session: %w", err)
	}
	if capacity > 0 {
		var others int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM participants
			WHERE session_id = ? AND left_at IS NULL AND participant_id <> ?`,
			p.SessionID, p.ParticipantID).Scan(&others); err != nil {
			return domain.Participant{}, fmt.Errorf("count participants: %w", err)
		}
		if others >= capacity {
			return domain.Participant{}, domain.ErrSessionFull
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO participants (`+participantColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT(session_id, participant_id) DO UPDATE SET
			role = excluded.role,
			audio_muted = excluded.audio_muted,
			video_enabled = excluded.video_enabled,
			hand_raised = excluded.hand_raised,
			joined_at = CASE WHEN participants.left_at IS NULL THEN participants.joined_at ELSE excluded.joined_at END,
			left_at = NULL`,
		uuid.NewString(), p.SessionID, p.ParticipantID, p.Role,
		p.AudioMuted, p.VideoEnabled, p.HandRaised, now)
	if err != nil {
		return domain.Participant{}, fmt.Errorf("upsert participant: %w", err)
	}

	out, err := scanParticipant(tx.QueryRowContext(ctx, `
		SELECT `+participantColumns+` FROM participants
		WHERE session_id = ? AND participant_id = ?`, p.SessionID, p.ParticipantID))
	if err != nil {
		return domain.Participant{}, fmt.Errorf("reload participant: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Participant{}, fmt.Errorf("commit: %w", err)
	}
	s.notifier.Notify(p.SessionID)
	return out, nil
}

// UpdateFlags overwrites the media flags of a present participant.
func (s *Store) UpdateFlags(ctx context.Context, sessionID, participantID string, f domain.MediaFlags) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE participants SET audio_muted = ?, video_enabled = ?, hand_raised = ?
		WHERE session_id = ? AND participant_id = ? AND left_at IS NULL`,
		f.AudioMuted, f.VideoEnabled, f.HandRaised, sessionID, participantID)
	if err != nil {
		return fmt.Errorf("update flags: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotJoined
	}
	s.notifier.Notify(sessionID)
	return nil
}

// MarkLeft stamps left_at. Marking an absent participant is a no-op.
func (s *Store) MarkLeft(ctx context.Context, sessionID, participantID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE participants SET left_at = ?
		WHERE session_id = ? AND participant_id = ? AND left_at IS NULL`,
		at.UnixMilli(), sessionID, participantID)
	if err != nil {
		return fmt.Errorf("mark left: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.notifier.Notify(sessionID)
	}
	return nil
}

func toNull(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
