// Package utils carries small helpers shared across the engine.
package utils

import "github.com/google/uuid"

// nilUUID is the fallback identifier when generation fails.
const nilUUID = "00000000-0000-0000-0000-000000000000"

// NewUUID returns a time-ordered UUIDv7 string. Operation and step ids use
// v7 so lexical order follows creation order.
func NewUUID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewUUIDOrDefault returns a UUIDv7, falling back to the nil UUID when the
// entropy source fails. Persistence still succeeds for the fallback; the DB
// unique constraint catches the (practically impossible) collision.
func NewUUIDOrDefault() string {
	id, err := NewUUID()
	if err != nil {
		return nilUUID
	}
	return id
}

// ShortID returns the leading 8 characters of an id, the fragment embedded
// in human-facing operation codes.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
