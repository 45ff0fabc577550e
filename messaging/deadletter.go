package messaging

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// XDeathHeader is the header the broker maintains on dead-lettered messages
	XDeathHeader = "x-death"
	// MaxAttempts is how many dead-letter rounds a message gets before it is dropped
	MaxAttempts = 3
)

// DeadLetterState is derived from the first x-death entry of a delivery
type DeadLetterState struct {
	Present  bool
	Queue    string
	Exchange string
	Reason   string
	Count    int64
}

// Exhausted reports whether the message has been dead-lettered max times or more
func (s DeadLetterState) Exhausted(max int) bool {
	return s.Present && s.Count >= int64(max)
}

// DeadLetterStateOf reads the x-death header. A missing or malformed
// header yields a state with Present false.
func DeadLetterStateOf(headers amqp.Table) DeadLetterState {
	raw, ok := headers[XDeathHeader]
	if !ok {
		return DeadLetterState{}
	}

	first, ok := firstDeath(raw)
	if !ok {
		return DeadLetterState{}
	}

	count, ok := toInt64(first["count"])
	if !ok {
		return DeadLetterState{}
	}

	state := DeadLetterState{Present: true, Count: count}
	state.Queue, _ = first["queue"].(string)
	state.Exchange, _ = first["exchange"].(string)
	state.Reason, _ = first["reason"].(string)
	return state
}

func firstDeath(raw interface{}) (map[string]interface{}, bool) {
	switch entries := raw.(type) {
	case []interface{}:
		if len(entries) == 0 {
			return nil, false
		}
		return asTable(entries[0])
	case []amqp.Table:
		if len(entries) == 0 {
			return nil, false
		}
		return entries[0], true
	case []map[string]interface{}:
		if len(entries) == 0 {
			return nil, false
		}
		return entries[0], true
	default:
		return nil, false
	}
}

func asTable(v interface{}) (map[string]interface{}, bool) {
	switch t := v.(type) {
	case amqp.Table:
		return t, true
	case map[string]interface{}:
		return t, true
	default:
		return nil, false
	}
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int16:
		return int64(n), true
	case int8:
		return int64(n), true
	case int:
		return int64(n), true
	case uint64:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint8:
		return int64(n), true
	case float64:
		return int64(n), true
	case float32:
		return int64(n), true
	default:
		return 0, false
	}
}
