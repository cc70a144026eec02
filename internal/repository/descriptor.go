package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	pkgerrors "github.com/bankcore/dayops/pkg/errors"
	"github.com/bankcore/dayops/pkg/models"
)

// DescriptorRepository stores service descriptors per environment.
type DescriptorRepository struct {
	*BaseRepository
}

// NewDescriptorRepository creates a new descriptor repository instance.
func NewDescriptorRepository(db *sql.DB, log *zap.Logger) *DescriptorRepository {
	return &DescriptorRepository{BaseRepository: NewBaseRepository(db, log.With(zap.String("repository", "descriptor")))}
}

// Create inserts a descriptor and returns its assigned id.
func (r *DescriptorRepository) Create(ctx context.Context, d *models.ServiceDescriptor) (*models.ServiceDescriptor, error) {
	if d == nil {
		return nil, fmt.Errorf("descriptor is nil")
	}
	deps, err := ToJSONB(d.Dependencies)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal dependencies: %w", err)
	}
	err = r.GetDB().QueryRowContext(ctx, `
		INSERT INTO service_descriptor (
			name, display_name, service_type, environment, sod_critical, eod_critical, dependencies, estimated_duration_ms, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW()
		) RETURNING id
	`,
		d.Name, d.DisplayName, d.ServiceType, d.Environment, d.SODCritical, d.EODCritical, deps, d.EstimatedDuration.Milliseconds(),
	).Scan(&d.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert descriptor: %w", err)
	}
	return d, nil
}

// Update replaces a descriptor's mutable fields.
func (r *DescriptorRepository) Update(ctx context.Context, d *models.ServiceDescriptor) error {
	if d == nil || d.ID == 0 {
		return fmt.Errorf("descriptor or descriptor id is nil")
	}
	deps, err := ToJSONB(d.Dependencies)
	if err != nil {
		return fmt.Errorf("failed to marshal dependencies: %w", err)
	}
	res, err := r.GetDB().ExecContext(ctx, `
		UPDATE service_descriptor SET
			name = $1, display_name = $2, service_type = $3, environment = $4,
			sod_critical = $5, eod_critical = $6, dependencies = $7, estimated_duration_ms = $8, updated_at = NOW()
		WHERE id = $9
	`,
		d.Name, d.DisplayName, d.ServiceType, d.Environment, d.SODCritical, d.EODCritical, deps, d.EstimatedDuration.Milliseconds(), d.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update descriptor: %w", err)
	}
	return requireRowAffected(res, pkgerrors.ErrServiceNotFound)
}

// GetByID fetches a single descriptor.
func (r *DescriptorRepository) GetByID(ctx context.Context, id int64) (*models.ServiceDescriptor, error) {
	row := r.GetDB().QueryRowContext(ctx, `
		SELECT id, name, display_name, service_type, environment, sod_critical, eod_critical, dependencies, estimated_duration_ms
		FROM service_descriptor WHERE id = $1
	`, id)
	d, err := scanDescriptor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrServiceNotFound
	}
	return d, err
}

// ListByEnvironment returns all descriptors configured for an environment,
// ordered by id for deterministic planning.
func (r *DescriptorRepository) ListByEnvironment(ctx context.Context, environment string) ([]models.ServiceDescriptor, error) {
	rows, err := r.GetDB().QueryContext(ctx, `
		SELECT id, name, display_name, service_type, environment, sod_critical, eod_critical, dependencies, estimated_duration_ms
		FROM service_descriptor WHERE environment = $1 ORDER BY id ASC
	`, environment)
	if err != nil {
		return nil, fmt.Errorf("failed to list descriptors: %w", err)
	}
	defer rows.Close()

	var out []models.ServiceDescriptor
	for rows.Next() {
		d, err := scanDescriptor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate descriptors: %w", err)
	}
	return out, nil
}

// Delete removes a descriptor.
func (r *DescriptorRepository) Delete(ctx context.Context, id int64) error {
	res, err := r.GetDB().ExecContext(ctx, `DELETE FROM service_descriptor WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete descriptor: %w", err)
	}
	return requireRowAffected(res, pkgerrors.ErrServiceNotFound)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDescriptor(row rowScanner) (*models.ServiceDescriptor, error) {
	var (
		d          models.ServiceDescriptor
		deps       []byte
		durationMs int64
	)
	if err := row.Scan(&d.ID, &d.Name, &d.DisplayName, &d.ServiceType, &d.Environment,
		&d.SODCritical, &d.EODCritical, &deps, &durationMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan descriptor: %w", err)
	}
	if err := FromJSONB(deps, &d.Dependencies); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dependencies: %w", err)
	}
	d.EstimatedDuration = time.Duration(durationMs) * time.Millisecond
	return &d, nil
}

func requireRowAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
