package catalog

import (
	"fmt"
	"strings"
)

// Event is the last segment of a model routing key
type Event string

const (
	EventCreated Event = "created"
	EventUpdated Event = "updated"
	EventDeleted Event = "deleted"
)

// Exchange every model event is published to
const Exchange = "amq.topic"

// DeadLetterExchange receives rejected model events
const DeadLetterExchange = "dlx.amq.topic"

// Queue names
const (
	QueueCategory        = "micro-catalog/sync-videos/category"
	QueueGenre           = "micro-catalog/sync-videos/genre"
	QueueGenreCategories = "micro-catalog/sync-videos/genre_categories"
	QueueCastMember      = "micro-catalog/sync-videos/cast_member"
)

// ModelKey builds the routing key pattern for every event of entity
func ModelKey(entity string) string {
	return "model." + entity + ".*"
}

// ParseRoutingKey splits "model.<entity>.<event>"
func ParseRoutingKey(key string) (entity string, event Event, err error) {
	parts := strings.Split(key, ".")
	if len(parts) != 3 || parts[0] != "model" || parts[1] == "" || parts[2] == "" {
		return "", "", fmt.Errorf("malformed model routing key %q", key)
	}
	return parts[1], Event(parts[2]), nil
}
