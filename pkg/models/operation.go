// Package models holds the persistent entities shared between the
// orchestration engine, the state store, and the boundary layer.
package models

import "time"

// OperationType distinguishes the two fleet-wide operations the engine drives.
type OperationType string

const (
	OperationSOD OperationType = "SOD"
	OperationEOD OperationType = "EOD"
)

// OperationStatus is the lifecycle status of an operation.
type OperationStatus string

const (
	OperationInitiated OperationStatus = "Initiated"
	OperationRunning   OperationStatus = "Running"
	OperationCompleted OperationStatus = "Completed"
	OperationFailed    OperationStatus = "Failed"
	OperationCancelled OperationStatus = "Cancelled"
)

// Terminal reports whether the status is final.
func (s OperationStatus) Terminal() bool {
	switch s {
	case OperationCompleted, OperationFailed, OperationCancelled:
		return true
	default:
		return false
	}
}

// StepStatus is the lifecycle status of a single operation step.
type StepStatus string

const (
	StepPending   StepStatus = "Pending"
	StepRunning   StepStatus = "Running"
	StepCompleted StepStatus = "Completed"
	StepFailed    StepStatus = "Failed"
	StepSkipped   StepStatus = "Skipped"
)

// Operation is the durable record of one SOD or EOD run.
type Operation struct {
	ID               string
	Code             string
	Type             OperationType
	BusinessDate     time.Time
	Environment      string
	Status           OperationStatus
	StartedAt        *time.Time
	EndedAt          *time.Time
	InitiatedBy      string
	InitiationMethod string
	ErrorDetails     string
	ServiceIDs       []int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// OperationStep belongs to exactly one Operation and records one service action.
type OperationStep struct {
	ID           string
	OperationID  string
	ServiceID    int64
	Name         string
	PhaseIndex   int
	OrderIndex   int
	Status       StepStatus
	StartedAt    *time.Time
	EndedAt      *time.Time
	RetryCount   int
	Detail       string
	ErrorDetails string
}
