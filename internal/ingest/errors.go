package ingest

import "errors"

var (
	// ErrUnknownEventType is returned for an event type outside domain.EventTypes.
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrSendNotFound is returned when the event carries no send id or the
	// send it names does not exist.
	ErrSendNotFound = errors.New("email send not found")
)

// IsFatal reports whether retrying the event can never succeed.
func IsFatal(err error) bool {
	return errors.Is(err, ErrUnknownEventType) || errors.Is(err, ErrSendNotFound)
}
