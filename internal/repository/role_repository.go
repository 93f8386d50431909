package repository

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pesio-ai/be-hr-approvals/internal/platform/database"
	"github.com/pesio-ai/be-hr-approvals/internal/platform/errors"
)

// pgUniqueViolation is the SQLSTATE for duplicate keys.
const pgUniqueViolation = "23505"

// PGRoleRepository handles CRUD for hr_roles.
type PGRoleRepository struct {
	db *database.DB
}

// NewRoleRepository creates a new Postgres-backed role repository.
func NewRoleRepository(db *database.DB) *PGRoleRepository {
	return &PGRoleRepository{db: db}
}

// CreateRole inserts a new role.
func (r *PGRoleRepository) CreateRole(ctx context.Context, role *Role) error {
	query := `
		INSERT INTO hr_roles (id, name, rank, can_override, escalation_target)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		role.ID,
		role.Name,
		role.Rank,
		role.CanOverride,
		role.EscalationTarget,
	).Scan(&role.CreatedAt, &role.UpdatedAt)
	if isUniqueViolation(err) {
		return errors.Newf(errors.ErrCodeConflict, "role '%s' already exists", role.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodePersistence, "failed to create role")
	}
	return nil
}

// UpdateRole persists changes to an existing role.
func (r *PGRoleRepository) UpdateRole(ctx context.Context, role *Role) error {
	query := `
		UPDATE hr_roles
		SET name              = $2,
		    rank              = $3,
		    can_override      = $4,
		    escalation_target = $5,
		    updated_at        = NOW()
		WHERE id = $1
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		role.ID,
		role.Name,
		role.Rank,
		role.CanOverride,
		role.EscalationTarget,
	).Scan(&role.CreatedAt, &role.UpdatedAt)
	if err == pgx.ErrNoRows {
		return errors.NotFound("role", role.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodePersistence, "failed to update role")
	}
	return nil
}

// DeleteRole removes a role.
func (r *PGRoleRepository) DeleteRole(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM hr_roles WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodePersistence, "failed to delete role")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("role", id)
	}
	return nil
}

// GetRole retrieves a role by id.
func (r *PGRoleRepository) GetRole(ctx context.Context, id string) (*Role, error) {
	query := `
		SELECT id, name, rank, can_override, escalation_target, created_at, updated_at
		FROM hr_roles
		WHERE id = $1
	`

	role, err := scanRole(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("role", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodePersistence, "failed to get role")
	}
	return role, nil
}

// ListRoles returns every role ordered by rank.
func (r *PGRoleRepository) ListRoles(ctx context.Context) ([]*Role, error) {
	query := `
		SELECT id, name, rank, can_override, escalation_target, created_at, updated_at
		FROM hr_roles
		ORDER BY rank ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodePersistence, "failed to list roles")
	}
	defer rows.Close()

	var roles []*Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodePersistence, "failed to scan role")
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// ── scan helpers ─────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRole(row rowScanner) (*Role, error) {
	role := &Role{}
	err := row.Scan(
		&role.ID,
		&role.Name,
		&role.Rank,
		&role.CanOverride,
		&role.EscalationTarget,
		&role.CreatedAt,
		&role.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return role, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return stderrors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
