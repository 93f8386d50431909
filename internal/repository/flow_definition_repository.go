package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-hr-approvals/internal/platform/database"
	"github.com/pesio-ai/be-hr-approvals/internal/platform/errors"
)

// PGFlowRepository handles CRUD for hr_flow_definitions. Steps are stored as a
// JSONB array of StepTemplate.
type PGFlowRepository struct {
	db *database.DB
}

// NewFlowRepository creates a new Postgres-backed flow repository.
func NewFlowRepository(db *database.DB) *PGFlowRepository {
	return &PGFlowRepository{db: db}
}

// CreateFlow inserts a new flow definition at version 1.
func (r *PGFlowRepository) CreateFlow(ctx context.Context, flow *FlowDefinition) error {
	stepsJSON, notifyJSON, err := marshalFlow(flow)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO hr_flow_definitions
		    (category, steps, requires_approval, escalation_enabled,
		     default_escalation_role, escalation_timeout_hours, outcome_notify_roles, version)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7, 1)
		RETURNING version, created_at, updated_at
	`

	err = r.db.QueryRow(ctx, query,
		flow.Category,
		stepsJSON,
		flow.RequiresApproval,
		flow.EscalationEnabled,
		flow.DefaultEscalationRole,
		flow.EscalationTimeoutHours,
		notifyJSON,
	).Scan(&flow.Version, &flow.CreatedAt, &flow.UpdatedAt)
	if isUniqueViolation(err) {
		return errors.Newf(errors.ErrCodeConflict, "flow '%s' already exists", flow.Category)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodePersistence, "failed to create flow definition")
	}
	return nil
}

// UpdateFlow replaces a flow definition and increments its version.
func (r *PGFlowRepository) UpdateFlow(ctx context.Context, flow *FlowDefinition) error {
	stepsJSON, notifyJSON, err := marshalFlow(flow)
	if err != nil {
		return err
	}

	query := `
		UPDATE hr_flow_definitions
		SET steps                    = $2,
		    requires_approval        = $3,
		    escalation_enabled       = $4,
		    default_escalation_role  = $5,
		    escalation_timeout_hours = $6,
		    outcome_notify_roles     = $7,
		    version                  = version + 1,
		    updated_at               = NOW()
		WHERE category = $1
		RETURNING version, created_at, updated_at
	`

	err = r.db.QueryRow(ctx, query,
		flow.Category,
		stepsJSON,
		flow.RequiresApproval,
		flow.EscalationEnabled,
		flow.DefaultEscalationRole,
		flow.EscalationTimeoutHours,
		notifyJSON,
	).Scan(&flow.Version, &flow.CreatedAt, &flow.UpdatedAt)
	if err == pgx.ErrNoRows {
		return errors.NotFound("flow_definition", flow.Category)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodePersistence, "failed to update flow definition")
	}
	return nil
}

// DeleteFlow removes a flow definition. In-flight requests keep their copied steps.
func (r *PGFlowRepository) DeleteFlow(ctx context.Context, category string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM hr_flow_definitions WHERE category = $1`, category)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodePersistence, "failed to delete flow definition")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("flow_definition", category)
	}
	return nil
}

// GetFlow retrieves a flow definition by category.
func (r *PGFlowRepository) GetFlow(ctx context.Context, category string) (*FlowDefinition, error) {
	query := `
		SELECT category, steps, requires_approval, escalation_enabled,
		       default_escalation_role, escalation_timeout_hours, outcome_notify_roles,
		       version, created_at, updated_at
		FROM hr_flow_definitions
		WHERE category = $1
	`

	flow, err := scanFlow(r.db.QueryRow(ctx, query, category))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("flow_definition", category)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodePersistence, "failed to get flow definition")
	}
	return flow, nil
}

// ListFlows returns every flow definition ordered by category.
func (r *PGFlowRepository) ListFlows(ctx context.Context) ([]*FlowDefinition, error) {
	query := `
		SELECT category, steps, requires_approval, escalation_enabled,
		       default_escalation_role, escalation_timeout_hours, outcome_notify_roles,
		       version, created_at, updated_at
		FROM hr_flow_definitions
		ORDER BY category ASC
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodePersistence, "failed to list flow definitions")
	}
	defer rows.Close()

	var flows []*FlowDefinition
	for rows.Next() {
		flow, err := scanFlow(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodePersistence, "failed to scan flow definition")
		}
		flows = append(flows, flow)
	}
	return flows, rows.Err()
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func marshalFlow(flow *FlowDefinition) ([]byte, []byte, error) {
	stepsJSON, err := json.Marshal(flow.Steps)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal flow steps")
	}
	notify := flow.OutcomeNotifyRoles
	if notify == nil {
		notify = []string{}
	}
	notifyJSON, err := json.Marshal(notify)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal outcome roles")
	}
	return stepsJSON, notifyJSON, nil
}

func scanFlow(row rowScanner) (*FlowDefinition, error) {
	flow := &FlowDefinition{}
	var stepsJSON, notifyJSON []byte

	err := row.Scan(
		&flow.Category,
		&stepsJSON,
		&flow.RequiresApproval,
		&flow.EscalationEnabled,
		&flow.DefaultEscalationRole,
		&flow.EscalationTimeoutHours,
		&notifyJSON,
		&flow.Version,
		&flow.CreatedAt,
		&flow.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(stepsJSON, &flow.Steps); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal flow steps")
	}
	if len(notifyJSON) > 0 {
		if err := json.Unmarshal(notifyJSON, &flow.OutcomeNotifyRoles); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal outcome roles")
		}
	}
	return flow, nil
}
