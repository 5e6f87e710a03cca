package trackkit

import (
	"encoding/json"
)

// PayloadFormatter serializes events for the wire. The default is
// JSON; a custom formatter can emit whatever the collector expects,
// declaring its media type via ContentType.
type PayloadFormatter interface {
	// ContentType is the Content-Type header value for the payloads
	// this formatter produces.
	ContentType() string

	// FormatEvent serializes a single event.
	FormatEvent(event Event) ([]byte, error)

	// FormatBatch serializes a batch of events.
	FormatBatch(events []Event) ([]byte, error)
}

// batchPayload is the wire shape of a batch request body.
type batchPayload struct {
	Events []Event `json:"events"`
}

// jsonFormatter is the default PayloadFormatter.
type jsonFormatter struct{}

func (jsonFormatter) ContentType() string {
	return "application/json"
}

func (jsonFormatter) FormatEvent(event Event) ([]byte, error) {
	return json.Marshal(event)
}

func (jsonFormatter) FormatBatch(events []Event) ([]byte, error) {
	return json.Marshal(batchPayload{Events: events})
}
