package interceptors

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/glimte/catalog-sync/messaging"
)

// MetricsCollector defines the interface for collecting metrics
type MetricsCollector interface {
	IncrementMessageCount(subscription string)
	RecordProcessingTime(subscription string, duration time.Duration)
	IncrementErrorCount(subscription string)
	IncrementOutcomeCount(subscription string, outcome messaging.Outcome)
}

// MetricsInterceptor collects metrics about message processing
type MetricsInterceptor struct {
	collector MetricsCollector
}

// NewMetricsInterceptor creates a new metrics interceptor
func NewMetricsInterceptor(collector MetricsCollector) *MetricsInterceptor {
	return &MetricsInterceptor{collector: collector}
}

// Intercept implements Interceptor
func (i *MetricsInterceptor) Intercept(ctx context.Context, msg messaging.Message, next messaging.HandlerFunc) (messaging.Outcome, error) {
	start := time.Now()
	subscription := messaging.SubscriptionName(ctx)

	i.collector.IncrementMessageCount(subscription)

	outcome, err := next(ctx, msg)
	i.collector.RecordProcessingTime(subscription, time.Since(start))

	if err != nil {
		i.collector.IncrementErrorCount(subscription)
	} else {
		i.collector.IncrementOutcomeCount(subscription, outcome)
	}

	return outcome, err
}

// Name implements Interceptor
func (i *MetricsInterceptor) Name() string {
	return "MetricsInterceptor"
}

// SubscriptionStats are the counters of one subscription
type SubscriptionStats struct {
	Subscription string
	Messages     int64
	Errors       int64
	Acked        int64
	Nacked       int64
	Requeued     int64
	TotalTime    time.Duration
}

// Counters is an in-memory MetricsCollector
type Counters struct {
	mu    sync.Mutex
	stats map[string]*SubscriptionStats
}

// NewCounters creates empty counters
func NewCounters() *Counters {
	return &Counters{stats: make(map[string]*SubscriptionStats)}
}

func (c *Counters) entry(subscription string) *SubscriptionStats {
	s, ok := c.stats[subscription]
	if !ok {
		s = &SubscriptionStats{Subscription: subscription}
		c.stats[subscription] = s
	}
	return s
}

// IncrementMessageCount implements MetricsCollector
func (c *Counters) IncrementMessageCount(subscription string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry(subscription).Messages++
}

// RecordProcessingTime implements MetricsCollector
func (c *Counters) RecordProcessingTime(subscription string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry(subscription).TotalTime += duration
}

// IncrementErrorCount implements MetricsCollector
func (c *Counters) IncrementErrorCount(subscription string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry(subscription).Errors++
}

// IncrementOutcomeCount implements MetricsCollector
func (c *Counters) IncrementOutcomeCount(subscription string, outcome messaging.Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.entry(subscription)
	switch outcome {
	case messaging.Nack:
		s.Nacked++
	case messaging.Requeue:
		s.Requeued++
	default:
		s.Acked++
	}
}

// Snapshot returns a copy of all counters, sorted by subscription
func (c *Counters) Snapshot() []SubscriptionStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]SubscriptionStats, 0, len(c.stats))
	for _, s := range c.stats {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subscription < out[j].Subscription })
	return out
}
