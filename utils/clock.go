package utils

import (
	"time"

	"github.com/google/uuid"
)

// Clock and IDSource are injected into the gateway and sweepers so tests can
// run deterministically.

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

func SystemClock() Clock { return systemClock{} }

// FixedClock returns a clock pinned to t.
type FixedClock struct {
	T time.Time
}

func (c FixedClock) Now() time.Time { return c.T }

type IDSource interface {
	// NewID returns a v4 UUID for entity identities.
	NewID() string
	// NewOrderedID returns a v7 UUID for movement and event IDs, so journal
	// rows sort by creation within a millisecond.
	NewOrderedID() string
}

type uuidSource struct{}

func (uuidSource) NewID() string { return uuid.NewString() }

func (uuidSource) NewOrderedID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// v7 only fails when the entropy source does; fall back to v4.
		return uuid.NewString()
	}
	return id.String()
}

func UUIDSource() IDSource { return uuidSource{} }
