package statemachine

import (
	"fmt"

	"github.com/simplesurance/runledger/internal/model"
)

// InvalidTransitionError is returned when a transition is requested to or
// from a status that does not belong to the stage.
type InvalidTransitionError struct {
	Stage  model.Stage
	From   model.Status
	To     model.Status
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s status transition %q -> %q: %s", e.Stage, e.From, e.To, e.Reason)
}
