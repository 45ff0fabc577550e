package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrNotConnected is returned when the connection is not established
	ErrNotConnected = errors.New("not connected")
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// Connector is the broker-facing surface the rest of the service depends on.
// ConnectionManager is the production implementation.
type Connector interface {
	Connect(ctx context.Context) error
	OpenChannel() (Channel, error)
	IsConnected() bool
	Close() error
}

type dialFunc func(url string, cfg amqp.Config) (*amqp.Connection, error)

// ConnectionManager manages the RabbitMQ connection with automatic reconnection
type ConnectionManager struct {
	url               string
	conn              *amqp.Connection
	mu                sync.RWMutex
	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration
	maxRetries        int
	heartbeat         time.Duration
	connectTimeout    time.Duration
	logger            *slog.Logger
	dial              dialFunc
	notifyClose       chan *amqp.Error
	isConnected       bool
	closed            bool
	done              chan struct{}
	closeOnce         sync.Once
	stateListeners    []ConnectionStateListener
	listenersMu       sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the initial reconnection delay
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxReconnectDelay caps the exponential reconnection delay
func WithMaxReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxReconnectDelay = delay
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts.
// A negative value retries forever.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithHeartbeat sets the AMQP heartbeat interval negotiated with the broker
func WithHeartbeat(interval time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.heartbeat = interval
	}
}

// WithConnectTimeout bounds each dial attempt
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectTimeout = timeout
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:               url,
		reconnectDelay:    5 * time.Second,
		maxReconnectDelay: 5 * time.Minute,
		maxRetries:        -1, // infinite retries by default
		heartbeat:         10 * time.Second,
		connectTimeout:    30 * time.Second,
		logger:            slog.Default(),
		dial:              amqp.DialConfig,
		done:              make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the initial connection and starts the reconnect watcher
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return ErrConnectionClosed
	}
	if cm.isConnected {
		return nil
	}

	conn, err := cm.dialWithTimeout(ctx)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	cm.attach(conn)
	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	cm.notifyConnected()

	go cm.handleReconnect()

	return nil
}

// dialWithTimeout dials the broker, giving up when ctx or the connect timeout expires
func (cm *ConnectionManager) dialWithTimeout(ctx context.Context) (*amqp.Connection, error) {
	connCtx, cancel := context.WithTimeout(ctx, cm.connectTimeout)
	defer cancel()

	type result struct {
		conn *amqp.Connection
		err  error
	}
	resChan := make(chan result, 1)

	go func() {
		conn, err := cm.dial(cm.url, amqp.Config{
			Heartbeat: cm.heartbeat,
			Locale:    "en_US",
		})
		resChan <- result{conn: conn, err: err}
	}()

	select {
	case res := <-resChan:
		return res.conn, res.err
	case <-connCtx.Done():
		// A late successful dial must not leak its connection.
		go func() {
			if res := <-resChan; res.conn != nil {
				_ = res.conn.Close()
			}
		}()
		return nil, ErrConnectionTimeout
	}
}

// attach stores conn and subscribes to its close notification. Callers hold cm.mu.
func (cm *ConnectionManager) attach(conn *amqp.Connection) {
	cm.conn = conn
	cm.isConnected = true
	cm.notifyClose = make(chan *amqp.Error, 1)
	cm.conn.NotifyClose(cm.notifyClose)
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}

	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	return cm.conn, nil
}

// OpenChannel opens a fresh channel on the current connection
func (cm *ConnectionManager) OpenChannel() (Channel, error) {
	conn, err := cm.GetConnection()
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Join(ErrChannelCreationFailed, err)
	}
	return ch, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close closes the connection and stops any reconnection in progress
func (cm *ConnectionManager) Close() error {
	cm.closeOnce.Do(func() { close(cm.done) })

	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.closed = true
	cm.isConnected = false

	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		if errors.Is(err, amqp.ErrClosed) {
			return nil
		}
		return err
	}

	return nil
}

// handleReconnect monitors the connection and reconnects if necessary
func (cm *ConnectionManager) handleReconnect() {
	for {
		cm.mu.RLock()
		notify := cm.notifyClose
		cm.mu.RUnlock()

		select {
		case err := <-notify:
			select {
			case <-cm.done:
				return
			default:
			}
			if err != nil {
				cm.logger.Error("connection closed", "error", err)
			}

			cm.mu.Lock()
			cm.isConnected = false
			cm.conn = nil
			cm.mu.Unlock()

			// keep a nil *amqp.Error from becoming a non-nil error
			var cause error
			if err != nil {
				cause = err
			}
			cm.notifyDisconnected(cause)

			if !cm.reconnect() {
				return
			}

		case <-cm.done:
			cm.logger.Info("connection manager shutting down")
			return
		}
	}
}

// reconnect dials until it succeeds, the retry budget is spent, or the manager is closed.
// It reports whether a new connection was attached.
func (cm *ConnectionManager) reconnect() bool {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-cm.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	startTime := time.Now()
	attempt := 0

	operation := func() error {
		attempt++
		cm.logger.Info("attempting to reconnect",
			"attempt", attempt,
			"maxRetries", cm.maxRetries)
		cm.notifyReconnecting(attempt)

		conn, err := cm.dialWithTimeout(ctx)
		if err != nil {
			return err
		}

		cm.mu.Lock()
		defer cm.mu.Unlock()
		if cm.closed {
			_ = conn.Close()
			return backoff.Permanent(ErrConnectionClosed)
		}
		cm.attach(conn)
		return nil
	}

	notify := func(err error, next time.Duration) {
		cm.logger.Error("reconnection failed",
			"error", err,
			"attempt", attempt,
			"nextRetryIn", next)
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(cm.newBackOff(), ctx), notify)
	if err != nil {
		if errors.Is(err, ErrConnectionClosed) || ctx.Err() != nil {
			return false
		}
		cm.logger.Error("max reconnection attempts reached",
			"attempts", attempt,
			"duration", time.Since(startTime))
		cm.notifyDisconnected(&ConnectionError{
			Op:        "reconnect",
			URL:       SanitizeURL(cm.url),
			Err:       ErrMaxRetriesExceeded,
			Timestamp: time.Now(),
			Attempts:  attempt,
		})
		return false
	}

	cm.logger.Info("successfully reconnected to RabbitMQ",
		"attempts", attempt,
		"duration", time.Since(startTime))
	cm.notifyConnected()
	return true
}

// newBackOff builds the reconnection schedule: exponential with jitter, capped, optionally bounded
func (cm *ConnectionManager) newBackOff() backoff.BackOff {
	return newReconnectBackOff(cm.reconnectDelay, cm.maxReconnectDelay, cm.maxRetries)
}

func newReconnectBackOff(initial, max time.Duration, maxRetries int) backoff.BackOff {
	if initial <= 0 {
		initial = 5 * time.Second
	}
	if max < initial {
		max = initial
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = initial
	eb.MaxInterval = max
	eb.RandomizationFactor = 0.25
	eb.MaxElapsedTime = 0
	eb.Reset()

	if maxRetries > 0 {
		return backoff.WithMaxRetries(eb, uint64(maxRetries))
	}
	return eb
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnReconnecting(attempt)
	}
}
