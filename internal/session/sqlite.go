package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/memohai/chatbridge/internal/channel"
)

// SQLiteStore persists sessions in a SQLite database. Timestamps are stored
// as unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an open database. The schema is managed by db.MigrateSQLite.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM chat_sessions WHERE id = ?`, id)
	return scanSQLiteSession(row)
}

func (s *SQLiteStore) Query(ctx context.Context, identity channel.Identity) (Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM chat_sessions
		WHERE vendor_id = ? AND channel = ?
		ORDER BY (closed_at IS NULL) DESC, created_at DESC, rowid DESC
		LIMIT 1`,
		identity.VendorID, identity.Channel.String(),
	)
	return scanSQLiteSession(row)
}

func (s *SQLiteStore) Create(ctx context.Context, sess Session) (Session, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_sessions (`+sessionColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT DO NOTHING`,
		sess.ID,
		sess.VendorID,
		sess.Channel.String(),
		sess.PreviousID,
		sess.NextID,
		sess.ParticipantID,
		sess.ParticipantToken,
		sess.Credential.Token,
		toMillis(nullableTime(sess.Credential.ExpiresAt)),
		sess.TranscriptRef,
		sess.CreatedAt.UTC().UnixMilli(),
		toMillis(sess.ClosedAt),
	)
	if err != nil {
		return Session{}, false, fmt.Errorf("insert session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return sess, true, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM chat_sessions
		WHERE vendor_id = ? AND channel = ? AND closed_at IS NULL`,
		sess.VendorID, sess.Channel.String(),
	)
	existing, err := scanSQLiteSession(row)
	if errors.Is(err, ErrNotFound) {
		return Session{}, false, fmt.Errorf("session %s already exists", sess.ID)
	}
	if err != nil {
		return Session{}, false, err
	}
	return existing, false, nil
}

func (s *SQLiteStore) Update(ctx context.Context, id string, u Update) error {
	if u.Empty() {
		return nil
	}
	var (
		token     *string
		expiresAt *int64
	)
	if u.Credential != nil {
		token = &u.Credential.Token
		expiresAt = toMillis(nullableTime(u.Credential.ExpiresAt))
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET
			next_id = COALESCE(?, next_id),
			credential_token = COALESCE(?, credential_token),
			credential_expires_at = COALESCE(?, credential_expires_at)
		WHERE id = ?`,
		u.NextID, token, expiresAt, id,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Close(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET closed_at = ? WHERE id = ? AND closed_at IS NULL`,
		at.UTC().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_sessions WHERE id = ?`, id).Scan(&exists); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) PurgeClosed(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM chat_sessions WHERE closed_at IS NOT NULL AND closed_at < ?`,
		before.UTC().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	return res.RowsAffected()
}

func scanSQLiteSession(row *sql.Row) (Session, error) {
	var (
		sess      Session
		ch        string
		expiresAt sql.NullInt64
		createdAt int64
		closedAt  sql.NullInt64
	)
	err := row.Scan(
		&sess.ID,
		&sess.VendorID,
		&ch,
		&sess.PreviousID,
		&sess.NextID,
		&sess.ParticipantID,
		&sess.ParticipantToken,
		&sess.Credential.Token,
		&expiresAt,
		&sess.TranscriptRef,
		&createdAt,
		&closedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("scan session: %w", err)
	}
	sess.Channel = channel.ChannelType(ch)
	sess.CreatedAt = time.UnixMilli(createdAt).UTC()
	if expiresAt.Valid {
		sess.Credential.ExpiresAt = time.UnixMilli(expiresAt.Int64).UTC()
	}
	if closedAt.Valid {
		t := time.UnixMilli(closedAt.Int64).UTC()
		sess.ClosedAt = &t
	}
	return sess, nil
}

func toMillis(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UTC().UnixMilli()
	return &ms
}
