package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gate-event-core/internal/types"
)

const approvalColumns = `id, entry_id, channel, token, status, created_at, expires_at, responded_at`

// InsertApproval stores one outbound approval request
func (q queries) InsertApproval(ctx context.Context, approval *types.Approval) error {
	_, err := q.exec(ctx, `
		INSERT INTO approvals (`+approvalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		approval.ID,
		approval.EntryID,
		approval.Channel,
		approval.Token,
		approval.Status,
		approval.CreatedAt.UTC(),
		approval.ExpiresAt.UTC(),
		utcPtr(approval.RespondedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("approval token: %w", ErrDuplicateKey)
		}
		return types.NewPersistenceError("insert approval", err)
	}
	return nil
}

// GetApprovalByToken resolves a correlation token
func (q queries) GetApprovalByToken(ctx context.Context, token string) (*types.Approval, error) {
	var approval types.Approval
	err := q.get(ctx, &approval, `SELECT `+approvalColumns+` FROM approvals WHERE token = ?`, token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("approval token: %w", types.ErrNotFound)
		}
		return nil, types.NewPersistenceError("get approval", err)
	}
	return &approval, nil
}

// ListApprovalsByEntry returns every approval for an entry, in creation order
func (q queries) ListApprovalsByEntry(ctx context.Context, entryID string) ([]types.Approval, error) {
	var approvals []types.Approval
	err := q.list(ctx, &approvals, `
		SELECT `+approvalColumns+` FROM approvals
		WHERE entry_id = ? ORDER BY created_at, channel`, entryID)
	if err != nil {
		return nil, types.NewPersistenceError("list approvals", err)
	}
	return approvals, nil
}

// ListPendingApprovals returns every approval still waiting for a response
func (q queries) ListPendingApprovals(ctx context.Context) ([]types.Approval, error) {
	var approvals []types.Approval
	err := q.list(ctx, &approvals, `
		SELECT `+approvalColumns+` FROM approvals
		WHERE status = ? ORDER BY expires_at`, types.ApprovalPending)
	if err != nil {
		return nil, types.NewPersistenceError("list pending approvals", err)
	}
	return approvals, nil
}

// ListEntriesWithOverdueApprovals returns entries owning a pending approval past its deadline
func (q queries) ListEntriesWithOverdueApprovals(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	err := q.list(ctx, &ids, `
		SELECT DISTINCT entry_id FROM approvals
		WHERE status = ? AND expires_at <= ?`, types.ApprovalPending, now.UTC())
	if err != nil {
		return nil, types.NewPersistenceError("list overdue approvals", err)
	}
	return ids, nil
}

// RespondApproval records the first answer for an approval. It reports false
// when the approval is no longer pending.
func (q queries) RespondApproval(ctx context.Context, id string, status types.ApprovalStatus, at time.Time) (bool, error) {
	res, err := q.exec(ctx, `
		UPDATE approvals SET status = ?, responded_at = ?
		WHERE id = ? AND status = ?`,
		status, at.UTC(), id, types.ApprovalPending)
	if err != nil {
		return false, types.NewPersistenceError("respond approval", err)
	}
	ok, err := changed(res)
	if err != nil {
		return false, types.NewPersistenceError("respond approval", err)
	}
	return ok, nil
}

// ExpireDueApprovals marks the pending approvals of an entry whose deadline
// is at or before now EXPIRED. Approvals still inside their window are left
// alone.
func (q queries) ExpireDueApprovals(ctx context.Context, entryID string, now time.Time) (int64, error) {
	res, err := q.exec(ctx, `
		UPDATE approvals SET status = ?
		WHERE entry_id = ? AND status = ? AND expires_at <= ?`,
		types.ApprovalExpired, entryID, types.ApprovalPending, now.UTC())
	if err != nil {
		return 0, types.NewPersistenceError("expire approvals", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, types.NewPersistenceError("expire approvals", err)
	}
	return n, nil
}

// NextApprovalDeadline returns the earliest deadline among the pending
// approvals of an entry. ok is false when nothing is pending.
func (q queries) NextApprovalDeadline(ctx context.Context, entryID string) (deadline time.Time, ok bool, err error) {
	var approval types.Approval
	err = q.get(ctx, &approval, `
		SELECT `+approvalColumns+` FROM approvals
		WHERE entry_id = ? AND status = ?
		ORDER BY expires_at LIMIT 1`, entryID, types.ApprovalPending)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, types.NewPersistenceError("next approval deadline", err)
	}
	return approval.ExpiresAt, true, nil
}
