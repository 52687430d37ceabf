package provider

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/simplesurance/runledger/internal/event"
	"github.com/simplesurance/runledger/internal/logfields"
)

// Event is an event received by a provider, converted to the normalized
// event dictionary.
type Event struct {
	Provider string
	// DeliveryID is the ID the sender assigned to the delivery, empty if
	// it is not available.
	DeliveryID string
	Dict       *event.Dict
}

func (e *Event) String() string {
	return fmt.Sprintf("%s %s (deliveryID: %s)", e.Provider, e.Dict.Type, e.DeliveryID)
}

func (e *Event) LogFields() []zap.Field {
	fields := make([]zap.Field, 0, 8)
	fields = append(fields, logfields.EventProvider(e.Provider))

	if e.DeliveryID != "" {
		fields = append(fields, zap.String("delivery_id", e.DeliveryID))
	}

	return append(fields, e.Dict.LogFields()...)
}

// Forward sends ev to c without blocking. If the send would block, false is
// returned.
func Forward(c chan<- *Event, ev *Event) bool {
	select {
	case c <- ev:
		return true
	default:
		return false
	}
}
