package messaging

import (
	"fmt"
	"strings"
)

// Outcome is what a handler asks the dispatcher to do with its delivery
type Outcome int

const (
	// Ack accepts the delivery. It is the zero value, so a handler with
	// nothing to say acknowledges.
	Ack Outcome = iota
	// Nack rejects the delivery without requeue, letting the queue's
	// dead-letter exchange route it onward, until the retry ceiling is hit.
	Nack
	// Requeue rejects the delivery and asks for immediate redelivery on the same queue.
	Requeue
)

// String implements fmt.Stringer
func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ACK"
	case Nack:
		return "NACK"
	case Requeue:
		return "REQUEUE"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Valid reports whether o is one of the known outcomes
func (o Outcome) Valid() bool {
	return o == Ack || o == Nack || o == Requeue
}

// ParseOutcome parses ACK, NACK or REQUEUE, case-insensitively.
// The empty string parses as Ack.
func ParseOutcome(s string) (Outcome, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "ACK":
		return Ack, nil
	case "NACK":
		return Nack, nil
	case "REQUEUE":
		return Requeue, nil
	default:
		return Ack, fmt.Errorf("%w: %q", ErrUnknownOutcome, s)
	}
}

// MarshalText implements encoding.TextMarshaler
func (o Outcome) MarshalText() ([]byte, error) {
	if !o.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownOutcome, int(o))
	}
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (o *Outcome) UnmarshalText(text []byte) error {
	parsed, err := ParseOutcome(string(text))
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}
