package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	pkgerrors "github.com/bankcore/dayops/pkg/errors"
	"github.com/bankcore/dayops/pkg/models"
)

// OperationRepository persists day operation records.
type OperationRepository struct {
	*BaseRepository
}

// NewOperationRepository creates a new operation repository instance.
func NewOperationRepository(db *sql.DB, log *zap.Logger) *OperationRepository {
	return &OperationRepository{BaseRepository: NewBaseRepository(db, log.With(zap.String("repository", "operation")))}
}

const operationColumns = `
	id, code, op_type, business_date, environment, status,
	started_at, ended_at, initiated_by, initiation_method, error_details,
	service_ids, created_at, updated_at`

// Create inserts a new operation record.
func (r *OperationRepository) Create(ctx context.Context, op *models.Operation) error {
	if op == nil {
		return fmt.Errorf("operation is nil")
	}
	now := time.Now().UTC()
	op.CreatedAt = now
	op.UpdatedAt = now
	_, err := r.GetDB().ExecContext(ctx, `
		INSERT INTO day_operation (
			id, code, op_type, business_date, environment, status,
			started_at, ended_at, initiated_by, initiation_method, error_details,
			service_ids, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		op.ID, op.Code, op.Type, op.BusinessDate, op.Environment, op.Status,
		op.StartedAt, op.EndedAt, op.InitiatedBy, op.InitiationMethod, op.ErrorDetails,
		pq.Array(op.ServiceIDs), op.CreatedAt, op.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert operation: %w", err)
	}
	return nil
}

// Update persists the operation's current lifecycle state.
func (r *OperationRepository) Update(ctx context.Context, op *models.Operation) error {
	if op == nil {
		return fmt.Errorf("operation is nil")
	}
	op.UpdatedAt = time.Now().UTC()
	res, err := r.GetDB().ExecContext(ctx, `
		UPDATE day_operation SET
			status = $1, started_at = $2, ended_at = $3, error_details = $4,
			service_ids = $5, updated_at = $6
		WHERE id = $7
	`,
		op.Status, op.StartedAt, op.EndedAt, op.ErrorDetails,
		pq.Array(op.ServiceIDs), op.UpdatedAt, op.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update operation: %w", err)
	}
	return requireRowAffected(res, pkgerrors.ErrOperationNotFound)
}

// GetByID fetches one operation by its id.
func (r *OperationRepository) GetByID(ctx context.Context, id string) (*models.Operation, error) {
	row := r.GetDB().QueryRowContext(ctx,
		`SELECT `+operationColumns+` FROM day_operation WHERE id = $1`, id)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrOperationNotFound
	}
	return op, err
}

// GetByCode fetches one operation by its human-facing code.
func (r *OperationRepository) GetByCode(ctx context.Context, code string) (*models.Operation, error) {
	row := r.GetDB().QueryRowContext(ctx,
		`SELECT `+operationColumns+` FROM day_operation WHERE code = $1`, code)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrOperationNotFound
	}
	return op, err
}

// ListRecent returns operations created inside the window, newest first. An
// empty environment matches all environments.
func (r *OperationRepository) ListRecent(ctx context.Context, environment string, window time.Duration) ([]models.Operation, error) {
	since := time.Now().UTC().Add(-window)
	rows, err := r.GetDB().QueryContext(ctx,
		`SELECT `+operationColumns+` FROM day_operation
		 WHERE ($1 = '' OR environment = $1) AND created_at >= $2
		 ORDER BY created_at DESC`, environment, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent operations: %w", err)
	}
	return collectOperations(rows)
}

// ListByStatus returns operations in the given status, newest first.
func (r *OperationRepository) ListByStatus(ctx context.Context, environment string, status models.OperationStatus) ([]models.Operation, error) {
	rows, err := r.GetDB().QueryContext(ctx,
		`SELECT `+operationColumns+` FROM day_operation
		 WHERE environment = $1 AND status = $2
		 ORDER BY created_at DESC`, environment, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations by status: %w", err)
	}
	return collectOperations(rows)
}

func collectOperations(rows *sql.Rows) ([]models.Operation, error) {
	defer rows.Close()
	var out []models.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate operations: %w", err)
	}
	return out, nil
}

func scanOperation(row rowScanner) (*models.Operation, error) {
	var (
		op         models.Operation
		serviceIDs pq.Int64Array
	)
	if err := row.Scan(&op.ID, &op.Code, &op.Type, &op.BusinessDate, &op.Environment, &op.Status,
		&op.StartedAt, &op.EndedAt, &op.InitiatedBy, &op.InitiationMethod, &op.ErrorDetails,
		&serviceIDs, &op.CreatedAt, &op.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan operation: %w", err)
	}
	op.ServiceIDs = []int64(serviceIDs)
	return &op, nil
}
