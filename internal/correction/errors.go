package correction

import (
	"fmt"

	"soundspeed/pkg/domain"
)

// ComputationError reports a geometry or profile the engine cannot trace.
// It is scoped to the single request that produced it.
type ComputationError struct {
	ProfileID string
	Reason    string
}

func (e *ComputationError) Error() string {
	if e.ProfileID == "" {
		return "correction: " + e.Reason
	}
	return fmt.Sprintf("correction %s: %s", e.ProfileID, e.Reason)
}

func (e *ComputationError) Unwrap() error { return domain.ErrComputation }

func computationErr(id, format string, args ...any) error {
	return &ComputationError{ProfileID: id, Reason: fmt.Sprintf(format, args...)}
}
