package core

import (
	"errors"
	"fmt"
	"strings"
)

// ErrAlreadyBuilt is returned when topology is mutated after Build.
var ErrAlreadyBuilt = errors.New("harness: already built")

// ErrNotBuilt is returned when stepping or running before Build.
var ErrNotBuilt = errors.New("harness: not built")

// CyclicTopologyError reports that the connection graph admits no valid
// topological order. This is a fatal configuration error detected by Build,
// before any stepping occurs.
type CyclicTopologyError struct {
	// Remaining holds the component ids that could not be ordered, i.e.
	// the ids participating in (or downstream of) a cycle.
	Remaining []string
}

func (e *CyclicTopologyError) Error() string {
	return fmt.Sprintf("harness: connection graph contains a cycle involving [%s]",
		strings.Join(e.Remaining, ", "))
}
