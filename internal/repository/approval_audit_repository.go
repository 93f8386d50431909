package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-hr-approvals/internal/platform/database"
	"github.com/pesio-ai/be-hr-approvals/internal/platform/errors"
)

// PGAuditRepository reads immutable approval audit log entries. Appends only
// happen inside request transactions (see insertAuditEntry); the table has an
// update/delete-prevention trigger.
type PGAuditRepository struct {
	db *database.DB
}

// NewAuditRepository creates a new PGAuditRepository.
func NewAuditRepository(db *database.DB) *PGAuditRepository {
	return &PGAuditRepository{db: db}
}

// ListByRequest returns the full audit trail for a request ordered oldest-first.
func (r *PGAuditRepository) ListByRequest(ctx context.Context, requestID string) ([]*AuditEntry, error) {
	if !validRequestID(requestID) {
		return nil, nil
	}

	query := `
		SELECT id, request_id, step_order, actor_id, actor_role,
		       action, lane, comment, target_role, terminal, performed_at
		FROM hr_approval_audit_log
		WHERE request_id = $1
		ORDER BY seq ASC
	`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, pgError(err, "failed to get audit log")
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		entry, err := scanAuditEntry(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodePersistence, "failed to scan audit entry")
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// insertAuditEntry appends one entry within an open transaction.
func insertAuditEntry(ctx context.Context, tx pgx.Tx, entry *AuditEntry) error {
	query := `
		INSERT INTO hr_approval_audit_log
		    (id, request_id, step_order, actor_id, actor_role,
		     action, lane, comment, target_role, terminal, performed_at)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9, $10, $11)
	`

	_, err := tx.Exec(ctx, query,
		entry.ID,
		entry.RequestID,
		entry.StepOrder,
		entry.ActorID,
		entry.ActorRole,
		string(entry.Action),
		string(entry.Lane),
		entry.Comment,
		entry.TargetRole,
		entry.Terminal,
		entry.Timestamp,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodePersistence, "failed to append audit entry")
	}
	return nil
}

func scanAuditEntry(row rowScanner) (*AuditEntry, error) {
	entry := &AuditEntry{}
	var action, lane string

	err := row.Scan(
		&entry.ID,
		&entry.RequestID,
		&entry.StepOrder,
		&entry.ActorID,
		&entry.ActorRole,
		&action,
		&lane,
		&entry.Comment,
		&entry.TargetRole,
		&entry.Terminal,
		&entry.Timestamp,
	)
	if err != nil {
		return nil, err
	}
	entry.Action = AuditAction(action)
	entry.Lane = Lane(lane)
	return entry, nil
}
