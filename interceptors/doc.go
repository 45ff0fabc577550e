// Package interceptors wraps message handlers with cross-cutting behaviour.
//
// Built-in interceptors:
//   - LoggingInterceptor: logs each handled message with its outcome and duration
//   - TimeoutInterceptor: bounds how long a handler may run
//   - MetricsInterceptor: counts messages, failures and processing time per subscription
//
// Example usage:
//
//	chain := interceptors.NewInterceptorChain(logger).
//		Add(interceptors.NewLoggingInterceptor(logger)).
//		Add(interceptors.NewTimeoutInterceptor(30 * time.Second))
//
//	registry := messaging.NewRegistry(messaging.WithMiddleware(chain.Wrap))
//
// Interceptors run in the order they were added, the handler last.
package interceptors
