package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	pkgerrors "github.com/bankcore/dayops/pkg/errors"
	"github.com/bankcore/dayops/pkg/models"
)

// StepRepository persists the per-service steps of an operation.
type StepRepository struct {
	*BaseRepository
}

// NewStepRepository creates a new step repository instance.
func NewStepRepository(db *sql.DB, log *zap.Logger) *StepRepository {
	return &StepRepository{BaseRepository: NewBaseRepository(db, log.With(zap.String("repository", "step")))}
}

// CreateBatch inserts all steps of an operation in one transaction.
func (r *StepRepository) CreateBatch(ctx context.Context, steps []models.OperationStep) error {
	if len(steps) == 0 {
		return nil
	}
	tx, err := r.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin step batch: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO operation_step (
			id, operation_id, service_id, name, phase_index, order_index,
			status, started_at, ended_at, retry_count, detail, error_details
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`)
	if err != nil {
		_ = r.RollbackTx(ctx, tx)
		return fmt.Errorf("failed to prepare step insert: %w", err)
	}
	defer stmt.Close()

	for i := range steps {
		s := &steps[i]
		if _, err := stmt.ExecContext(ctx,
			s.ID, s.OperationID, s.ServiceID, s.Name, s.PhaseIndex, s.OrderIndex,
			s.Status, s.StartedAt, s.EndedAt, s.RetryCount, s.Detail, s.ErrorDetails,
		); err != nil {
			_ = r.RollbackTx(ctx, tx)
			return fmt.Errorf("failed to insert step %s: %w", s.ID, err)
		}
	}
	return r.CommitTx(ctx, tx)
}

// Update persists one step's current state.
func (r *StepRepository) Update(ctx context.Context, s *models.OperationStep) error {
	if s == nil {
		return fmt.Errorf("step is nil")
	}
	res, err := r.GetDB().ExecContext(ctx, `
		UPDATE operation_step SET
			status = $1, started_at = $2, ended_at = $3, retry_count = $4, detail = $5, error_details = $6
		WHERE id = $7
	`,
		s.Status, s.StartedAt, s.EndedAt, s.RetryCount, s.Detail, s.ErrorDetails, s.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update step: %w", err)
	}
	return requireRowAffected(res, pkgerrors.ErrOperationNotFound)
}

// ListByOperation returns all steps of an operation in execution order.
func (r *StepRepository) ListByOperation(ctx context.Context, operationID string) ([]models.OperationStep, error) {
	rows, err := r.GetDB().QueryContext(ctx, `
		SELECT id, operation_id, service_id, name, phase_index, order_index,
		       status, started_at, ended_at, retry_count, detail, error_details
		FROM operation_step
		WHERE operation_id = $1
		ORDER BY phase_index ASC, order_index ASC
	`, operationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	var out []models.OperationStep
	for rows.Next() {
		var s models.OperationStep
		if err := rows.Scan(&s.ID, &s.OperationID, &s.ServiceID, &s.Name, &s.PhaseIndex, &s.OrderIndex,
			&s.Status, &s.StartedAt, &s.EndedAt, &s.RetryCount, &s.Detail, &s.ErrorDetails); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, pkgerrors.ErrOperationNotFound
			}
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate steps: %w", err)
	}
	return out, nil
}
