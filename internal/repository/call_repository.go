package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"amora-realtime/internal/domain/call"
	amora_errors "amora-realtime/pkg/errors"

	"github.com/google/uuid"
)

type invitationRepository struct {
	db DBTX
}

func NewInvitationRepository(db DBTX) InvitationRepository {
	return &invitationRepository{db: db}
}

const invitationColumns = `id, caller_id, recipient_id, kind, status, room, expires_at, created_at`

// Upsert relies on the pair unique key: the conflicting row is replaced only
// when it has expired or belongs to the same caller. Otherwise no row comes
// back and the pair is busy.
func (r *invitationRepository) Upsert(ctx context.Context, inv call.Invitation, now time.Time) (call.Invitation, error) {
	low, high := inv.Pair()
	row := r.db.QueryRowContext(ctx, `
        INSERT INTO call_invitations (id, caller_id, recipient_id, pair_low, pair_high, kind, status, room, expires_at, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
        ON CONFLICT (pair_low, pair_high) DO UPDATE SET
            id = EXCLUDED.id,
            caller_id = EXCLUDED.caller_id,
            recipient_id = EXCLUDED.recipient_id,
            kind = EXCLUDED.kind,
            status = EXCLUDED.status,
            room = EXCLUDED.room,
            expires_at = EXCLUDED.expires_at,
            created_at = EXCLUDED.created_at
        WHERE call_invitations.expires_at <= $11 OR call_invitations.caller_id = EXCLUDED.caller_id
        RETURNING `+invitationColumns,
		inv.ID, inv.CallerID, inv.RecipientID, low, high, inv.Kind, inv.Status, inv.Room, inv.ExpiresAt, inv.CreatedAt, now)
	out, err := scanInvitation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return call.Invitation{}, amora_errors.ErrCallBusy
	}
	return out, err
}

func (r *invitationRepository) GetByID(ctx context.Context, id uuid.UUID) (call.Invitation, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+invitationColumns+` FROM call_invitations WHERE id = $1`, id)
	out, err := scanInvitation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return call.Invitation{}, amora_errors.ErrNotFound
	}
	return out, err
}

func (r *invitationRepository) Accept(ctx context.Context, id uuid.UUID, now, expiresAt time.Time) (call.Invitation, error) {
	row := r.db.QueryRowContext(ctx, `
        UPDATE call_invitations
        SET status = $2, expires_at = $4
        WHERE id = $1 AND status = $3 AND expires_at > $5
        RETURNING `+invitationColumns,
		id, call.InvitationAccepted, call.InvitationPending, expiresAt, now)
	out, err := scanInvitation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return call.Invitation{}, amora_errors.ErrInvitationGone
	}
	return out, err
}

func (r *invitationRepository) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
        DELETE FROM call_invitations
        WHERE id = $1 AND status IN ($2, $3)
    `, id, call.InvitationPending, call.InvitationAccepted)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *invitationRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM call_invitations WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *invitationRepository) PendingFor(ctx context.Context, recipientID string, now time.Time) ([]call.Invitation, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT `+invitationColumns+`
        FROM call_invitations
        WHERE recipient_id = $1 AND status = $2 AND expires_at > $3
        ORDER BY created_at DESC
    `, recipientID, call.InvitationPending, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []call.Invitation
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func scanInvitation(row rowScanner) (call.Invitation, error) {
	var inv call.Invitation
	err := row.Scan(&inv.ID, &inv.CallerID, &inv.RecipientID, &inv.Kind, &inv.Status, &inv.Room, &inv.ExpiresAt, &inv.CreatedAt)
	return inv, err
}

type callLogRepository struct {
	db DBTX
}

func NewCallLogRepository(db DBTX) CallLogRepository {
	return &callLogRepository{db: db}
}

func (r *callLogRepository) Record(ctx context.Context, e call.LogEntry) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
        INSERT INTO call_logs (call_id, user_id, peer_id, kind, phase, reason, duration_ms, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT (call_id, user_id, phase) DO NOTHING
    `, e.CallID, e.UserID, e.PeerID, e.Kind, e.Phase, e.Reason, e.Duration.Milliseconds(), e.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *callLogRepository) ListForUser(ctx context.Context, userID string, limit int) ([]call.LogEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT call_id, user_id, peer_id, kind, phase, reason, duration_ms, created_at
        FROM call_logs
        WHERE user_id = $1
        ORDER BY created_at DESC, id DESC
        LIMIT $2
    `, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []call.LogEntry
	for rows.Next() {
		var (
			e          call.LogEntry
			durationMs int64
		)
		if err := rows.Scan(&e.CallID, &e.UserID, &e.PeerID, &e.Kind, &e.Phase, &e.Reason, &durationMs, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}
