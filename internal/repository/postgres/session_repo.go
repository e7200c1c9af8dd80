// internal/repository/postgres/session_repo.go
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	xerrors "helpdesk-service/internal/pkg/errors"
	"helpdesk-service/internal/session"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
)

// SessionRepository is the durable copy of session records. Redis stays the
// source of truth while a session is live.
type SessionRepository struct {
	db *pgxpool.Pool
}

func NewSessionRepository(db *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{db: db}
}

const sessionColumns = `
	id, principal_id, device_id, device_fingerprint, user_agent, ip_address,
	family_id, status, terminated_reason, created_at, last_activity_at,
	last_seen_at, expires_at, ended_at`

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func scanSession(row pgx.Row) (*session.Session, error) {
	var (
		s                                    session.Session
		deviceID, fingerprint, userAgent, ip sql.NullString
		family, reason                       sql.NullString
		status                               string
		lastActivity, lastSeen, ended        sql.NullTime
	)
	err := row.Scan(
		&s.ID, &s.Principal, &deviceID, &fingerprint, &userAgent, &ip,
		&family, &status, &reason, &s.CreatedAt, &lastActivity,
		&lastSeen, &s.ExpiresAt, &ended,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	s.Device = session.DeviceInfo{
		DeviceID:    deviceID.String,
		Fingerprint: fingerprint.String,
		UserAgent:   userAgent.String,
		IPAddress:   ip.String,
	}
	s.Family = family.String
	s.Status = session.Status(status)
	s.TerminatedReason = reason.String
	s.LastActivity = lastActivity.Time
	s.LastSeen = lastSeen.Time
	s.EndedAt = ended.Time
	s.CreatedAt = s.CreatedAt.UTC()
	s.ExpiresAt = s.ExpiresAt.UTC()
	return &s, nil
}

// Upsert writes the latest state of a session.
func (r *SessionRepository) Upsert(ctx context.Context, s *session.Session) error {
	query := `
		INSERT INTO auth_sessions (
			id, principal_id, device_id, device_fingerprint, user_agent, ip_address,
			family_id, status, terminated_reason, created_at, last_activity_at,
			last_seen_at, expires_at, ended_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW())
		ON CONFLICT (id) DO UPDATE SET
			family_id         = EXCLUDED.family_id,
			status            = EXCLUDED.status,
			terminated_reason = EXCLUDED.terminated_reason,
			last_activity_at  = EXCLUDED.last_activity_at,
			last_seen_at      = EXCLUDED.last_seen_at,
			expires_at        = EXCLUDED.expires_at,
			ended_at          = EXCLUDED.ended_at,
			updated_at        = NOW()
	`
	_, err := r.db.Exec(ctx, query,
		s.ID, s.Principal,
		nullString(s.Device.DeviceID), nullString(s.Device.Fingerprint),
		nullString(s.Device.UserAgent), nullString(s.Device.IPAddress),
		nullString(s.Family), string(s.Status), nullString(s.TerminatedReason),
		s.CreatedAt, nullTime(s.LastActivity), nullTime(s.LastSeen),
		s.ExpiresAt, nullTime(s.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

// Find retrieves one session by ID.
func (r *SessionRepository) Find(ctx context.Context, id string) (*session.Session, error) {
	query := `SELECT` + sessionColumns + ` FROM auth_sessions WHERE id = $1`

	s, err := scanSession(r.db.QueryRow(ctx, query, id))
	if err != nil && !errors.Is(err, xerrors.ErrNotFound) {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return s, err
}

// ListByPrincipal returns a principal's sessions in any of statuses, newest
// first. An empty statuses list matches every status.
func (r *SessionRepository) ListByPrincipal(ctx context.Context, principal string, statuses []string, limit int) ([]*session.Session, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT` + sessionColumns + `
		FROM auth_sessions
		WHERE principal_id = $1
		  AND (cardinality($2::text[]) = 0 OR status = ANY($2))
		ORDER BY created_at DESC
		LIMIT $3
	`
	if statuses == nil {
		statuses = []string{}
	}
	rows, err := r.db.Query(ctx, query, principal, pq.Array(statuses), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []*session.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return out, nil
}

// PurgeEnded deletes sessions that ended before cutoff and returns how many
// were removed.
func (r *SessionRepository) PurgeEnded(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM auth_sessions WHERE ended_at IS NOT NULL AND ended_at < $1`

	tag, err := r.db.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
