package models

import "time"

// DependencyKind encodes how strictly an edge orders two services.
type DependencyKind string

const (
	// DependencyHard must complete successfully before the dependent starts.
	DependencyHard DependencyKind = "Hard"
	// DependencySoft should complete first, but failure is tolerated.
	DependencySoft DependencyKind = "Soft"
	// DependencyOptional is purely advisory.
	DependencyOptional DependencyKind = "Optional"
)

// DependencyRef is a declared depends-on reference on a service descriptor.
type DependencyRef struct {
	ServiceID int64
	Kind      DependencyKind
	Condition string
}

// ServiceDescriptor describes one banking-core service as configured for an
// environment. Read-only input to the graph builder.
type ServiceDescriptor struct {
	ID                int64
	Name              string
	DisplayName       string
	ServiceType       string
	Environment       string
	SODCritical       bool
	EODCritical       bool
	Dependencies      []DependencyRef
	EstimatedDuration time.Duration
}

// CriticalFor reports the criticality flag for the given operation type.
func (d ServiceDescriptor) CriticalFor(op OperationType) bool {
	if op == OperationEOD {
		return d.EODCritical
	}
	return d.SODCritical
}
