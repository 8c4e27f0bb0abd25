package amqp

import (
	"fmt"

	"github.com/rabbitmq/amqp091-go"

	"tally/internal/events"
)

// decodeDelivery turns a delivery into an event. Messages without a type
// are accepted for compatibility with publishers that do not set it.
func decodeDelivery(d amqp091.Delivery) (events.SubmissionAccepted, error) {
	if d.Type != "" && d.Type != events.TypeSubmissionAccepted {
		return events.SubmissionAccepted{}, fmt.Errorf("unexpected message type %q", d.Type)
	}
	if d.ContentType != "" && d.ContentType != "application/json" {
		return events.SubmissionAccepted{}, fmt.Errorf("unexpected content type %q", d.ContentType)
	}
	return events.UnmarshalSubmissionAccepted(d.Body)
}
