package state

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownVar is returned when a var name is not declared on a class or its ancestors.
	ErrUnknownVar = errors.New("unknown state var")
	// ErrReadOnlyVar is returned when assigning to a computed var.
	ErrReadOnlyVar = errors.New("computed vars are read-only")
)

// DependencyAnalysisError reports a computed var whose dependencies cannot be
// tracked statically.
type DependencyAnalysisError struct {
	Class  string
	Var    string
	Reason string
}

func (e *DependencyAnalysisError) Error() string {
	return fmt.Sprintf("dependency analysis failed for %s.%s: %s", e.Class, e.Var, e.Reason)
}

// StateSchemaMismatchError is returned when persisted bytes were written for a
// different class shape than the one currently declared.
type StateSchemaMismatchError struct {
	Class    string
	Expected string
	Found    string
}

func (e *StateSchemaMismatchError) Error() string {
	return fmt.Sprintf("schema mismatch for %s: expected %s, found %s", e.Class, e.Expected, e.Found)
}

// UnstableDeltaError is returned when computed var side effects keep changing
// values and delta extraction never reaches a fixed point.
type UnstableDeltaError struct {
	Passes int
}

func (e *UnstableDeltaError) Error() string {
	return fmt.Sprintf("delta did not stabilise after %d passes: computed vars mutate each other", e.Passes)
}
