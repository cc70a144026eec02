// Package repository implements the durable state store for service
// descriptors, operations, and operation steps over Postgres.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"

	"go.uber.org/zap"
)

// BaseRepository provides common database functionality.
type BaseRepository struct {
	db  *sql.DB
	log *zap.Logger
}

// NewBaseRepository creates a new base repository instance.
func NewBaseRepository(db *sql.DB, log *zap.Logger) *BaseRepository {
	return &BaseRepository{
		db:  db,
		log: log,
	}
}

// GetDB returns the underlying database connection.
func (r *BaseRepository) GetDB() *sql.DB {
	return r.db
}

// GetLogger returns the logger instance.
func (r *BaseRepository) GetLogger() *zap.Logger {
	return r.log
}

// BeginTx starts a new transaction with context.
func (r *BaseRepository) BeginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		if r.log != nil {
			r.log.Error("Failed to begin transaction", zap.Error(err))
		}
		return nil, err
	}
	return tx, nil
}

// CommitTx commits a transaction with context.
func (r *BaseRepository) CommitTx(_ context.Context, tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		if r.log != nil {
			r.log.Error("Failed to commit transaction", zap.Error(err))
		}
		return err
	}
	return nil
}

// RollbackTx rolls back a transaction with context.
func (r *BaseRepository) RollbackTx(_ context.Context, tx *sql.Tx) error {
	if err := tx.Rollback(); err != nil {
		if r.log != nil {
			r.log.Error("Failed to rollback transaction", zap.Error(err))
		}
		return err
	}
	return nil
}

// ToJSONB marshals a value to JSONB ([]byte) for Postgres.
func ToJSONB(v interface{}) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

// FromJSONB unmarshals JSONB bytes into target, tolerating empty columns.
func FromJSONB(data []byte, target interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, target)
}
