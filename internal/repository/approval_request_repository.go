package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-hr-approvals/internal/platform/database"
	"github.com/pesio-ai/be-hr-approvals/internal/platform/errors"
)

// PGRequestRepository manages approval requests and their steps.
// Request + step + audit writes always happen together in a single transaction.
type PGRequestRepository struct {
	db *database.DB
}

// NewRequestRepository creates a new Postgres-backed request repository.
func NewRequestRepository(db *database.DB) *PGRequestRepository {
	return &PGRequestRepository{db: db}
}

// CreateRequest inserts a request, its steps and its initial audit entries in one transaction.
func (r *PGRequestRepository) CreateRequest(ctx context.Context, req *ApprovalRequest, entries []*AuditEntry) error {
	payloadJSON, err := marshalPayload(req.Payload)
	if err != nil {
		return err
	}
	policyJSON, err := json.Marshal(req.Policy)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal request policy")
	}

	return r.wrapTx(r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		reqQuery := `
			INSERT INTO hr_approval_requests
			    (id, category, requester_id, requester_role, submitted_at,
			     payload, status, current_step_index, override_used,
			     flow_version, policy, version, completed_at, updated_at)
			VALUES ($1, $2, $3, $4, $5,
			        $6, $7, $8, $9,
			        $10, $11, 1, $12, $13)
		`

		_, err := tx.Exec(ctx, reqQuery,
			req.ID,
			req.Category,
			req.RequesterID,
			req.RequesterRole,
			req.SubmittedAt,
			payloadJSON,
			string(req.Status),
			req.CurrentStepIndex,
			req.OverrideUsed,
			req.FlowVersion,
			policyJSON,
			req.CompletedAt,
			req.UpdatedAt,
		)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodePersistence, "failed to create approval request")
		}

		stepQuery := `
			INSERT INTO hr_approval_steps
			    (request_id, position, step_order, role, original_role, mandatory,
			     timeout_hours, decision, decided_by, decided_at, comment, lane,
			     deadline_at, skipped, escalation_count)
			VALUES ($1, $2, $3, $4, $5, $6,
			        $7, $8, $9, $10, $11, $12,
			        $13, $14, $15)
		`

		for i := range req.Steps {
			s := &req.Steps[i]
			_, err := tx.Exec(ctx, stepQuery,
				req.ID,
				i,
				s.Order,
				s.Role,
				s.OriginalRole,
				s.Mandatory,
				s.TimeoutHours,
				s.Decision,
				s.DecidedBy,
				s.DecidedAt,
				s.Comment,
				s.Lane,
				s.DeadlineAt,
				s.Skipped,
				s.EscalationCount,
			)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodePersistence, "failed to create approval step")
			}
		}

		for _, entry := range entries {
			if err := insertAuditEntry(ctx, tx, entry); err != nil {
				return err
			}
		}

		req.Version = 1
		return nil
	}))
}

// GetRequest retrieves a request with all of its steps.
func (r *PGRequestRepository) GetRequest(ctx context.Context, id string) (*ApprovalRequest, error) {
	if !validRequestID(id) {
		return nil, errors.NotFound("approval_request", id)
	}

	query := `
		SELECT id, category, requester_id, requester_role, submitted_at,
		       payload, status, current_step_index, override_used,
		       flow_version, policy, version, completed_at, updated_at
		FROM hr_approval_requests
		WHERE id = $1
	`

	req, err := scanRequest(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_request", id)
	}
	if err != nil {
		return nil, pgError(err, "failed to get approval request")
	}

	steps, err := r.getSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	req.Steps = steps
	return req, nil
}

// CommitTransition saves the request if nobody else changed it since it was read.
func (r *PGRequestRepository) CommitTransition(ctx context.Context, req *ApprovalRequest, expectedVersion int, entry *AuditEntry) error {
	return r.wrapTx(r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		reqQuery := `
			UPDATE hr_approval_requests
			SET status             = $3,
			    current_step_index = $4,
			    override_used      = $5,
			    completed_at       = $6,
			    updated_at         = $7,
			    version            = version + 1
			WHERE id = $1 AND version = $2
			RETURNING version
		`

		var newVersion int
		err := tx.QueryRow(ctx, reqQuery,
			req.ID,
			expectedVersion,
			string(req.Status),
			req.CurrentStepIndex,
			req.OverrideUsed,
			req.CompletedAt,
			req.UpdatedAt,
		).Scan(&newVersion)
		if err == pgx.ErrNoRows {
			return errors.Newf(errors.ErrCodeConflict,
				"approval request %s was modified concurrently", req.ID)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodePersistence, "failed to update approval request")
		}

		stepQuery := `
			UPDATE hr_approval_steps
			SET role             = $3,
			    decision         = $4,
			    decided_by       = $5,
			    decided_at       = $6,
			    comment          = $7,
			    lane             = $8,
			    deadline_at      = $9,
			    skipped          = $10,
			    escalation_count = $11
			WHERE request_id = $1 AND position = $2
		`

		for i := range req.Steps {
			s := &req.Steps[i]
			if _, err := tx.Exec(ctx, stepQuery,
				req.ID,
				i,
				s.Role,
				s.Decision,
				s.DecidedBy,
				s.DecidedAt,
				s.Comment,
				s.Lane,
				s.DeadlineAt,
				s.Skipped,
				s.EscalationCount,
			); err != nil {
				return errors.Wrap(err, errors.ErrCodePersistence, "failed to update approval step")
			}
		}

		if entry != nil {
			if err := insertAuditEntry(ctx, tx, entry); err != nil {
				return err
			}
		}

		req.Version = newVersion
		return nil
	}))
}

// ListPendingByRole returns pending requests whose current step requires role.
func (r *PGRequestRepository) ListPendingByRole(ctx context.Context, role string) ([]*ApprovalRequest, error) {
	query := `
		SELECT r.id
		FROM hr_approval_requests r
		JOIN hr_approval_steps s
		  ON s.request_id = r.id AND s.position = r.current_step_index
		WHERE r.status = 'pending'
		  AND s.role = $1
		  AND s.decision IS NULL
		  AND s.skipped = FALSE
		ORDER BY s.deadline_at ASC NULLS LAST, r.submitted_at ASC
	`

	rows, err := r.db.Query(ctx, query, role)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodePersistence, "failed to list pending requests")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodePersistence, "failed to scan pending requests")
	}

	out := make([]*ApprovalRequest, 0, len(ids))
	for _, id := range ids {
		req, err := r.GetRequest(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

// ListArmedDeadlines returns every persisted deadline of a pending request's current step.
func (r *PGRequestRepository) ListArmedDeadlines(ctx context.Context) ([]ArmedDeadline, error) {
	query := `
		SELECT r.id, s.step_order, s.deadline_at
		FROM hr_approval_requests r
		JOIN hr_approval_steps s
		  ON s.request_id = r.id AND s.position = r.current_step_index
		WHERE r.status = 'pending'
		  AND s.decision IS NULL
		  AND s.skipped = FALSE
		  AND s.deadline_at IS NOT NULL
		ORDER BY s.deadline_at ASC
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodePersistence, "failed to list deadlines")
	}
	defer rows.Close()

	var out []ArmedDeadline
	for rows.Next() {
		var d ArmedDeadline
		if err := rows.Scan(&d.RequestID, &d.StepOrder, &d.DeadlineAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodePersistence, "failed to scan deadline")
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *PGRequestRepository) getSteps(ctx context.Context, requestID string) ([]StepInstance, error) {
	query := `
		SELECT step_order, role, original_role, mandatory, timeout_hours,
		       decision, decided_by, decided_at, comment, lane,
		       deadline_at, skipped, escalation_count
		FROM hr_approval_steps
		WHERE request_id = $1
		ORDER BY position ASC
	`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, pgError(err, "failed to get approval steps")
	}
	defer rows.Close()

	steps := make([]StepInstance, 0)
	for rows.Next() {
		var s StepInstance
		err := rows.Scan(
			&s.Order,
			&s.Role,
			&s.OriginalRole,
			&s.Mandatory,
			&s.TimeoutHours,
			&s.Decision,
			&s.DecidedBy,
			&s.DecidedAt,
			&s.Comment,
			&s.Lane,
			&s.DeadlineAt,
			&s.Skipped,
			&s.EscalationCount,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodePersistence, "failed to scan approval step")
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// wrapTx keeps coded errors from inside the transaction and marks everything
// else (begin/commit failures) as a persistence error.
func (r *PGRequestRepository) wrapTx(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := errors.As(err); ok {
		return err
	}
	return errors.Wrap(err, errors.ErrCodePersistence, "approval request transaction failed")
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func marshalPayload(payload map[string]any) ([]byte, error) {
	if payload == nil {
		return nil, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "payload is not valid JSON")
	}
	return b, nil
}

func scanRequest(row rowScanner) (*ApprovalRequest, error) {
	req := &ApprovalRequest{}
	var payloadJSON, policyJSON []byte
	var status string
	var completedAt *time.Time

	err := row.Scan(
		&req.ID,
		&req.Category,
		&req.RequesterID,
		&req.RequesterRole,
		&req.SubmittedAt,
		&payloadJSON,
		&status,
		&req.CurrentStepIndex,
		&req.OverrideUsed,
		&req.FlowVersion,
		&policyJSON,
		&req.Version,
		&completedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	req.Status = RequestStatus(status)
	req.CompletedAt = completedAt

	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &req.Payload); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal payload")
		}
	}
	if len(policyJSON) > 0 {
		if err := json.Unmarshal(policyJSON, &req.Policy); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal request policy")
		}
	}
	return req, nil
}
