// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package catalogsync wires the broker connection, topology, subscription
// registry and acknowledgment policy into one runnable server.
package catalogsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/glimte/catalog-sync/config"
	"github.com/glimte/catalog-sync/interceptors"
	"github.com/glimte/catalog-sync/internal/rabbitmq"
	"github.com/glimte/catalog-sync/messaging"
)

// ChannelName names the single managed channel every setup is registered on
const ChannelName = "catalog-sync"

// ErrServerStopped is returned by Start after Stop
var ErrServerStopped = errors.New("catalogsync: server stopped")

// Server subscribes the registered services to the broker and keeps them
// subscribed across reconnects.
type Server struct {
	cfg      config.BrokerConfig
	services []messaging.Subscriber
	logger   *slog.Logger

	connector rabbitmq.Connector
	channel   *rabbitmq.ManagedChannel
	registry  *messaging.Registry
	acks      *messaging.AckDispatcher
	chain     *interceptors.InterceptorChain
	topology  rabbitmq.Topology

	listening atomic.Bool
	stopped   atomic.Bool

	// mu serializes Start and Stop
	mu       sync.Mutex
	started  bool
	startErr error
}

type serverConfig struct {
	logger       *slog.Logger
	connector    rabbitmq.Connector
	interceptors []interceptors.Interceptor
	metrics      interceptors.MetricsCollector
}

// ServerOption configures a Server
type ServerOption func(*serverConfig)

// WithLogger sets the logger shared by every component of the server
func WithLogger(logger *slog.Logger) ServerOption {
	return func(c *serverConfig) {
		c.logger = logger
	}
}

// WithConnector replaces the RabbitMQ connection manager, mostly for tests
func WithConnector(connector rabbitmq.Connector) ServerOption {
	return func(c *serverConfig) {
		c.connector = connector
	}
}

// WithInterceptors appends interceptors after the built-in logging and timeout ones
func WithInterceptors(list ...interceptors.Interceptor) ServerOption {
	return func(c *serverConfig) {
		c.interceptors = append(c.interceptors, list...)
	}
}

// WithMetrics records handler metrics into collector
func WithMetrics(collector interceptors.MetricsCollector) ServerOption {
	return func(c *serverConfig) {
		c.metrics = collector
	}
}

// NewServer validates cfg and assembles a server. Nothing touches the broker until Start.
func NewServer(cfg config.BrokerConfig, services []messaging.Subscriber, options ...ServerOption) (*Server, error) {
	sc := &serverConfig{
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(sc)
	}

	outcome, err := cfg.HandlerErrorOutcome()
	if err != nil {
		return nil, fmt.Errorf("invalid defaultHandlerError: %w", err)
	}

	topology := cfg.Topology()
	if err := topology.Validate(); err != nil {
		return nil, err
	}

	connector := sc.connector
	if connector == nil {
		connector = NewConnectionManager(cfg, sc.logger)
	}

	chain := interceptors.NewInterceptorChain(sc.logger).
		Add(interceptors.NewLoggingInterceptor(sc.logger))
	if cfg.Connection.HandlerTimeout > 0 {
		chain.Add(interceptors.NewTimeoutInterceptor(cfg.Connection.HandlerTimeout))
	}
	if sc.metrics != nil {
		chain.Add(interceptors.NewMetricsInterceptor(sc.metrics))
	}
	for _, i := range sc.interceptors {
		chain.Add(i)
	}

	acks := messaging.NewAckDispatcher(
		messaging.WithDefaultOutcome(outcome),
		messaging.WithAckLogger(sc.logger),
	)

	s := &Server{
		cfg:       cfg,
		services:  services,
		logger:    sc.logger,
		connector: connector,
		acks:      acks,
		chain:     chain,
		topology:  topology,
	}

	s.registry = messaging.NewRegistry(
		messaging.WithRegistryLogger(sc.logger),
		messaging.WithAckDispatcher(acks),
		messaging.WithConsumerPrefetch(cfg.Connection.Prefetch),
		messaging.WithConsumerConcurrency(cfg.Connection.Concurrency),
		messaging.WithMiddleware(chain.Wrap),
	)

	reconnect := cfg.Connection.ReconnectDelay
	maxReconnect := cfg.Connection.MaxReconnectDelay
	channelOpts := []rabbitmq.ManagedChannelOption{
		rabbitmq.WithChannelLogger(sc.logger),
		rabbitmq.WithChannelListener(s),
	}
	if reconnect > 0 {
		if maxReconnect < reconnect {
			maxReconnect = reconnect
		}
		channelOpts = append(channelOpts, rabbitmq.WithReopenDelay(reconnect, maxReconnect))
	}
	s.channel = rabbitmq.NewManagedChannel(ChannelName, connector, channelOpts...)

	return s, nil
}

// NewConnectionManager builds a connection manager tuned by cfg.Connection
// that logs its state changes.
func NewConnectionManager(cfg config.BrokerConfig, logger *slog.Logger) *rabbitmq.ConnectionManager {
	opts := cfg.Connection
	cm := rabbitmq.NewConnectionManager(cfg.URI,
		rabbitmq.WithLogger(logger),
		rabbitmq.WithHeartbeat(opts.Heartbeat),
		rabbitmq.WithConnectTimeout(opts.ConnectTimeout),
		rabbitmq.WithReconnectDelay(opts.ReconnectDelay),
		rabbitmq.WithMaxReconnectDelay(opts.MaxReconnectDelay),
		rabbitmq.WithMaxRetries(opts.MaxRetries),
	)
	cm.AddStateListener(&connectionLogger{logger: logger})
	return cm
}

// Start discovers subscriptions, connects, installs the configured topology
// and binds every subscription. Calling it again returns the first result.
//
// Only discovery and the initial connect are fatal. A failing topology or
// subscription setup is logged and retried on the next reopen.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped.Load() {
		return ErrServerStopped
	}
	if s.started {
		return s.startErr
	}
	s.started = true
	s.startErr = s.start(ctx)
	return s.startErr
}

func (s *Server) start(ctx context.Context) error {
	subs, err := s.registry.Discover(s.services...)
	if err != nil {
		return err
	}

	if err := s.connector.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}

	if err := s.channel.Open(ctx); err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if !s.topology.IsEmpty() {
		if err := rabbitmq.InstallTopology(ctx, s.channel, s.topology); err != nil {
			s.logger.Error("failed to install topology", "error", err)
		}
	}

	if err := s.registry.BindAll(ctx, s.channel, subs); err != nil {
		s.logger.Error("some subscriptions could not be bound", "error", err)
	}

	s.logger.Info("server started",
		"uri", rabbitmq.SanitizeURL(s.cfg.URI),
		"subscriptions", len(subs),
		"interceptors", s.chain.Names())
	return nil
}

// Stop closes the channel and the connection. No setup runs afterwards.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	if err := s.channel.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.connector.Close(); err != nil {
		errs = append(errs, err)
	}
	s.listening.Store(false)

	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

// Listening reports whether the channel is currently connected
func (s *Server) Listening() bool {
	return s.listening.Load()
}

// Consumers returns the state of every bound subscription
func (s *Server) Consumers() []messaging.ConsumerStatus {
	return s.registry.Consumers()
}

// Subscriptions returns the subscriptions discovered by Start
func (s *Server) Subscriptions() []messaging.Subscription {
	return s.registry.Subscriptions()
}

// Topology returns the static topology built from the configuration
func (s *Server) Topology() rabbitmq.Topology {
	return s.topology
}

// OnChannelReady implements rabbitmq.ChannelStateListener
func (s *Server) OnChannelReady(name string) {
	if s.stopped.Load() {
		return
	}
	s.listening.Store(true)
	// Stop may have cleared the flag between the check and the store
	if s.stopped.Load() {
		s.listening.Store(false)
		return
	}
	s.logger.Info("channel connected", "channel", name)
}

// OnChannelFailed implements rabbitmq.ChannelStateListener. A failed setup
// leaves the channel usable; only a lost channel stops listening.
func (s *Server) OnChannelFailed(name string, err error) {
	var setupErr *rabbitmq.SetupError
	if errors.As(err, &setupErr) {
		s.logger.Error("channel setup failed",
			"channel", name,
			"setup", setupErr.Setup,
			"error", setupErr.Err)
		return
	}
	s.listening.Store(false)
	s.logger.Error("channel failed", "channel", name, "error", err)
}

type connectionLogger struct {
	logger *slog.Logger
}

func (l *connectionLogger) OnConnected() {
	l.logger.Info("broker connected")
}

func (l *connectionLogger) OnDisconnected(err error) {
	l.logger.Warn("broker disconnected", "error", err)
}

func (l *connectionLogger) OnReconnecting(attempt int) {
	l.logger.Info("reconnecting to broker", "attempt", attempt)
}

var _ rabbitmq.ChannelStateListener = (*Server)(nil)
