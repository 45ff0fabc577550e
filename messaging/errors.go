package messaging

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidDescriptor is returned for a subscription that cannot be bound
	ErrInvalidDescriptor = errors.New("messaging: invalid subscription descriptor")
	// ErrDuplicateQueue is returned when two descriptors name the same queue
	ErrDuplicateQueue = errors.New("messaging: queue bound by more than one subscription")
	// ErrUnknownOutcome is returned when parsing an unrecognized outcome
	ErrUnknownOutcome = errors.New("messaging: unknown outcome")
	// ErrNoData is returned by Message.Bind when the payload was not JSON
	ErrNoData = errors.New("messaging: message has no data")
)

// ConsumerError represents a consumer-related error
type ConsumerError struct {
	Queue        string // Queue name
	Subscription string // Subscription name
	Op           string // Operation that failed
	Err          error  // Underlying error
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("consumer error: %s failed for %s on queue %s: %v",
		e.Op, e.Subscription, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// HandlerPanicError carries a value recovered from a panicking handler
type HandlerPanicError struct {
	Value interface{}
}

func (e *HandlerPanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}
