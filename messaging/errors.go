package messaging

import (
	"errors"
	"fmt"
)

var (
	// Registration errors
	ErrDuplicateQueue      = errors.New("messaging: queue already registered")
	ErrConsumerNotFound    = errors.New("messaging: no consumer registered for queue")
	ErrInvalidRegistration = errors.New("messaging: invalid consumer registration")

	// Delivery errors
	ErrAlreadySettled = errors.New("messaging: delivery already settled")

	// Host errors
	ErrInvalidHostState = errors.New("messaging: invalid host state")
	ErrHostStopped      = errors.New("messaging: host is stopped")
)

// ProcessingError is recorded when consumer logic fails for a delivery.
type ProcessingError struct {
	Queue       string
	DeliveryTag uint64
	MessageID   string
	Err         error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("processing failed for message %s (queue %s, tag %d): %v",
		e.MessageID, e.Queue, e.DeliveryTag, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}
