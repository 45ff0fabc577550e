package health

import (
	"context"
	"time"

	"github.com/glimte/catalog-sync/messaging"
)

// BrokerStatus exposes the dispatcher's availability
type BrokerStatus interface {
	Listening() bool
	Consumers() []messaging.ConsumerStatus
}

// BrokerChecker checks that the channel is up and every consumer is running
type BrokerChecker struct {
	status BrokerStatus
}

// NewBrokerChecker creates a new broker health checker
func NewBrokerChecker(status BrokerStatus) *BrokerChecker {
	return &BrokerChecker{status: status}
}

func (c *BrokerChecker) Name() string {
	return "rabbitmq"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	listening := c.status.Listening()
	consumers := c.status.Consumers()

	stopped := make([]string, 0)
	for _, consumer := range consumers {
		if consumer.State == messaging.StateStopped || consumer.State == messaging.StateIdle {
			stopped = append(stopped, consumer.Subscription)
		}
	}

	switch {
	case !listening:
		result.Status = StatusUnhealthy
		result.Message = "Channel is not available"
	case len(stopped) > 0:
		result.Status = StatusDegraded
		result.Message = "Some consumers are not running"
		result.Details["stopped"] = stopped
	default:
		result.Status = StatusHealthy
		result.Message = "Channel is listening"
	}

	result.Details["listening"] = listening
	result.Details["consumers"] = len(consumers)
	result.Duration = time.Since(start)
	return result
}

// Pinger is anything that can check its backend
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreChecker checks the catalog store
type StoreChecker struct {
	name  string
	store Pinger
}

// NewStoreChecker creates a store checker reported under name
func NewStoreChecker(name string, store Pinger) *StoreChecker {
	return &StoreChecker{name: name, store: store}
}

func (c *StoreChecker) Name() string {
	return c.name
}

func (c *StoreChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
	}

	if err := c.store.Ping(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Store is unreachable"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "Store is reachable"
	}

	result.Duration = time.Since(start)
	return result
}
