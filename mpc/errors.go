package mpc

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMissingDecision means the solver returned no value for status_0.
	ErrMissingDecision = errors.New("solution has no value for " + StatusVar(0))
	// ErrEmptyWindow means the step lies beyond the end of the series.
	ErrEmptyWindow = errors.New("lookahead window is empty")
)

// DecisionError is a fatal failure to decide a timestep. It points at a
// broken constraint set rather than a transient fault.
type DecisionError struct {
	Step        int
	WindowStart int
	WindowEnd   int // exclusive
	Err         error
}

func (e *DecisionError) Error() string {
	return fmt.Sprintf("decision failed at timestep %d (window [%d, %d)): %v", e.Step, e.WindowStart, e.WindowEnd, e.Err)
}

func (e *DecisionError) Unwrap() error {
	return e.Err
}

// ExtensionRule maps the number of historical observations backing the
// current slot to the number of extra window steps filled from history.
// Every rule is monotonic in the observation count.
type ExtensionRule string

const (
	ExtensionMin ExtensionRule = "min" // min(count, cap)
	ExtensionMax ExtensionRule = "max" // max(count, cap)
	ExtensionRaw ExtensionRule = "raw" // count
)

// ParseExtensionRule validates a rule name.
func ParseExtensionRule(s string) (ExtensionRule, error) {
	switch r := ExtensionRule(strings.ToLower(s)); r {
	case ExtensionMin, ExtensionMax, ExtensionRaw:
		return r, nil
	case "":
		return ExtensionMin, nil
	default:
		return "", fmt.Errorf("unknown historical extension rule %q, must be one of: min, max, raw", s)
	}
}

// Apply returns the extension length for count observations.
func (r ExtensionRule) Apply(count, limit int) int {
	if count < 0 {
		count = 0
	}
	switch r {
	case ExtensionMax:
		return max(count, limit)
	case ExtensionRaw:
		return count
	default:
		return min(count, limit)
	}
}
