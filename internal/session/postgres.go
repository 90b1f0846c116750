package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/memohai/chatbridge/internal/channel"
)

const sessionColumns = `id, vendor_id, channel, previous_id, next_id, participant_id, participant_token,
	credential_token, credential_expires_at, transcript_ref, created_at, closed_at`

// PostgresStore persists sessions in postgres. The partial unique index on
// open (vendor_id, channel) rows backs the conditional Create.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an open pool. The schema is managed by db.MigratePostgres.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM chat_sessions WHERE id = $1`, id)
	return scanPostgresSession(row)
}

func (s *PostgresStore) Query(ctx context.Context, identity channel.Identity) (Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM chat_sessions
		WHERE vendor_id = $1 AND channel = $2
		ORDER BY (closed_at IS NULL) DESC, created_at DESC
		LIMIT 1`,
		identity.VendorID, identity.Channel.String(),
	)
	return scanPostgresSession(row)
}

func (s *PostgresStore) Create(ctx context.Context, sess Session) (Session, bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO chat_sessions (`+sessionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT DO NOTHING`,
		sess.ID,
		sess.VendorID,
		sess.Channel.String(),
		sess.PreviousID,
		sess.NextID,
		sess.ParticipantID,
		sess.ParticipantToken,
		sess.Credential.Token,
		nullableTime(sess.Credential.ExpiresAt),
		sess.TranscriptRef,
		sess.CreatedAt.UTC(),
		sess.ClosedAt,
	)
	if err != nil {
		return Session{}, false, fmt.Errorf("insert session: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return sess, true, nil
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM chat_sessions
		WHERE vendor_id = $1 AND channel = $2 AND closed_at IS NULL`,
		sess.VendorID, sess.Channel.String(),
	)
	existing, err := scanPostgresSession(row)
	if errors.Is(err, ErrNotFound) {
		return Session{}, false, fmt.Errorf("session %s already exists", sess.ID)
	}
	if err != nil {
		return Session{}, false, err
	}
	return existing, false, nil
}

func (s *PostgresStore) Update(ctx context.Context, id string, u Update) error {
	if u.Empty() {
		return nil
	}
	var (
		token     *string
		expiresAt *time.Time
	)
	if u.Credential != nil {
		token = &u.Credential.Token
		expiresAt = nullableTime(u.Credential.ExpiresAt)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE chat_sessions SET
			next_id = COALESCE($2, next_id),
			credential_token = COALESCE($3, credential_token),
			credential_expires_at = COALESCE($4, credential_expires_at)
		WHERE id = $1`,
		id, u.NextID, token, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Close(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE chat_sessions SET closed_at = $2 WHERE id = $1 AND closed_at IS NULL`,
		id, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM chat_sessions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM chat_sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) PurgeClosed(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM chat_sessions WHERE closed_at IS NOT NULL AND closed_at < $1`,
		before.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanPostgresSession(row pgx.Row) (Session, error) {
	var (
		sess      Session
		ch        string
		expiresAt *time.Time
		closedAt  *time.Time
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
		&sess.CreatedAt,
		&closedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("scan session: %w", err)
	}
	sess.Channel = channel.ChannelType(ch)
	if expiresAt != nil {
		sess.Credential.ExpiresAt = expiresAt.UTC()
	}
	if closedAt != nil {
		t := closedAt.UTC()
		sess.ClosedAt = &t
	}
	sess.CreatedAt = sess.CreatedAt.UTC()
	return sess, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}
