// Package ids provides injectable identifier generation.
package ids

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator produces unique identifiers.
type Generator interface {
	New() string
}

// Func adapts a plain function to Generator.
type Func func() string

// New calls f.
func (f Func) New() string { return f() }

// UUID generates random (v4) UUIDs.
type UUID struct{}

// New returns a new random UUID string.
func (UUID) New() string { return uuid.NewString() }

// Sequence generates prefix-1, prefix-2, ... and is safe for concurrent use.
type Sequence struct {
	Prefix string
	n      atomic.Int64
}

// New returns the next identifier in the sequence.
func (s *Sequence) New() string {
	return fmt.Sprintf("%s-%d", s.Prefix, s.n.Add(1))
}
