package repository

import (
	"context"
	_ "embed"
	stderrors "errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pesio-ai/be-hr-approvals/internal/platform/database"
	"github.com/pesio-ai/be-hr-approvals/internal/platform/errors"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore composes the Postgres repositories into a Store.
type PostgresStore struct {
	*PGRoleRepository
	*PGFlowRepository
	*PGRequestRepository
	*PGAuditRepository
	db *database.DB
}

// NewPostgresStore wires every repository against one pool.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{
		PGRoleRepository:    NewRoleRepository(db),
		PGFlowRepository:    NewFlowRepository(db),
		PGRequestRepository: NewRequestRepository(db),
		PGAuditRepository:   NewAuditRepository(db),
		db:                  db,
	}
}

// Migrate applies the idempotent schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

var _ Store = (*PostgresStore)(nil)

// validRequestID reports whether id can name a stored request. Request ids
// live in UUID columns, so any other string cannot exist.
func validRequestID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// pgError wraps a driver error. Data exceptions (SQLSTATE class 22) come
// from bad input and are not retried; everything else is a persistence error.
func pgError(err error, message string) error {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && len(pgErr.Code) >= 2 && pgErr.Code[:2] == "22" {
		return errors.Wrap(err, errors.ErrCodeInvalidInput, message)
	}
	return errors.Wrap(err, errors.ErrCodePersistence, message)
}
