package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel used for topology, consumption,
// publishing and close notification. Acknowledgments go through amqp.Delivery.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// ChannelOpener opens channels on the current connection
type ChannelOpener interface {
	OpenChannel() (Channel, error)
}

// SetupFunc declares topology or starts consumers on a freshly opened channel.
// It must be idempotent: it runs again after every reopen.
type SetupFunc func(ctx context.Context, ch Channel) error

// ChannelStateListener observes the availability of a ManagedChannel.
// Callbacks run synchronously and must not block.
type ChannelStateListener interface {
	OnChannelReady(name string)
	OnChannelFailed(name string, err error)
}

type namedSetup struct {
	name string
	fn   SetupFunc

	// retry is set while the setup is held back after it closed the channel
	retry   backoff.BackOff
	retryAt time.Time
}

func (s *namedSetup) held() bool {
	return s.retry != nil
}

// ManagedChannel owns one AMQP channel and the ordered list of setups that
// must exist on it. Every (re)open replays all setups in registration order.
//
// A setup whose failure makes the broker close the channel is held back: the
// replay restarts on a fresh channel without it, and the held setup is retried
// on the live channel on its own backoff.
type ManagedChannel struct {
	name           string
	opener         ChannelOpener
	logger         *slog.Logger
	reopenDelay    time.Duration
	maxReopenDelay time.Duration

	// setupMu serializes setup execution so AddSetup never races a replay
	setupMu sync.Mutex

	mu            sync.RWMutex
	ch            Channel
	setups        []*namedSetup
	listeners     []ChannelStateListener
	closed        bool
	reopenBackOff backoff.BackOff
	readyAt       time.Time
	healthy       bool
	retryTimer    *time.Timer

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// ManagedChannelOption configures a ManagedChannel
type ManagedChannelOption func(*ManagedChannel)

// WithChannelLogger sets the logger
func WithChannelLogger(logger *slog.Logger) ManagedChannelOption {
	return func(m *ManagedChannel) {
		m.logger = logger
	}
}

// WithReopenDelay sets the initial and maximum delay between reopen attempts
func WithReopenDelay(initial, max time.Duration) ManagedChannelOption {
	return func(m *ManagedChannel) {
		m.reopenDelay = initial
		m.maxReopenDelay = max
	}
}

// WithChannelListener registers a state listener at construction time
func WithChannelListener(listener ChannelStateListener) ManagedChannelOption {
	return func(m *ManagedChannel) {
		m.listeners = append(m.listeners, listener)
	}
}

// NewManagedChannel creates a managed channel. Nothing is opened until Open.
func NewManagedChannel(name string, opener ChannelOpener, options ...ManagedChannelOption) *ManagedChannel {
	ctx, cancel := context.WithCancel(context.Background())
	m := &ManagedChannel{
		name:           name,
		opener:         opener,
		logger:         slog.Default(),
		reopenDelay:    time.Second,
		maxReopenDelay: 30 * time.Second,
		ctx:            ctx,
		cancel:         cancel,
	}

	for _, opt := range options {
		opt(m)
	}
	m.reopenBackOff = newReconnectBackOff(m.reopenDelay, m.maxReopenDelay, -1)

	return m
}

// Name returns the channel name used in logs and signals
func (m *ManagedChannel) Name() string {
	return m.name
}

// AddListener registers a state listener
func (m *ManagedChannel) AddListener(listener ChannelStateListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

// Open opens the underlying channel and runs every registered setup
func (m *ManagedChannel) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.establish()
}

// AddSetup registers fn. If the channel is open, fn runs immediately and its
// error is returned; either way fn is replayed on every later reopen.
func (m *ManagedChannel) AddSetup(ctx context.Context, name string, fn SetupFunc) error {
	m.setupMu.Lock()
	defer m.setupMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrChannelClosed
	}
	s := &namedSetup{name: name, fn: fn}
	m.setups = append(m.setups, s)
	ch := m.ch
	m.mu.Unlock()

	// replayed once the channel is back
	if ch == nil || ch.IsClosed() {
		return nil
	}

	if err := m.runSetup(ctx, ch, s); err != nil {
		m.notifyFailed(err)
		if ch.IsClosed() {
			m.hold(s)
		}
		return err
	}
	return nil
}

// Setups returns the names of registered setups in registration order
func (m *ManagedChannel) Setups() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, len(m.setups))
	for i, s := range m.setups {
		names[i] = s.name
	}
	return names
}

// IsOpen reports whether a live channel is currently attached
func (m *ManagedChannel) IsOpen() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ch != nil && !m.ch.IsClosed()
}

// Close closes the channel. No setup runs afterwards.
func (m *ManagedChannel) Close() error {
	m.closeOnce.Do(m.cancel)

	m.mu.Lock()
	m.closed = true
	ch := m.ch
	m.ch = nil
	if m.retryTimer != nil {
		m.retryTimer.Stop()
	}
	m.mu.Unlock()

	if ch == nil || ch.IsClosed() {
		return nil
	}
	if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return &ChannelError{Op: "close", ChannelID: m.name, Err: err, Timestamp: time.Now()}
	}
	return nil
}

// establish opens a channel, replays setups on it and starts the close watcher.
// Only the open itself is an error here; setup failures go to listeners.
func (m *ManagedChannel) establish() error {
	m.setupMu.Lock()
	defer m.setupMu.Unlock()

	for {
		ch, err := m.opener.OpenChannel()
		if err != nil {
			return &ChannelError{Op: "open", ChannelID: m.name, Err: err, Timestamp: time.Now()}
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			_ = ch.Close()
			return ErrChannelClosed
		}
		m.ch = ch
		setups := make([]*namedSetup, len(m.setups))
		copy(setups, m.setups)
		m.mu.Unlock()

		notify := ch.NotifyClose(make(chan *amqp.Error, 1))

		failed, held, lost := m.replay(ch, setups)
		if lost {
			// the broker closed the channel on a failed setup, which is now held
			continue
		}

		go m.watch(ch, notify)

		m.mu.Lock()
		m.readyAt = time.Now()
		m.healthy = failed == 0 && held == 0
		// a fresh channel serves for at least reopenDelay before a held setup may close it
		earliest := m.readyAt.Add(m.reopenDelay)
		for _, s := range m.setups {
			if s.held() && s.retryAt.Before(earliest) {
				s.retryAt = earliest
			}
		}
		m.scheduleRetryLocked()
		m.mu.Unlock()

		if !ch.IsClosed() {
			m.logger.Info("channel ready",
				"channel", m.name,
				"setups", len(setups),
				"failedSetups", failed,
				"heldSetups", held)
			m.notifyReady()
		}
		return nil
	}
}

// replay runs every setup that is not held back on ch, in order. lost reports
// that a failing setup closed ch and has been held back.
func (m *ManagedChannel) replay(ch Channel, setups []*namedSetup) (failed, held int, lost bool) {
	for _, s := range setups {
		if m.isHeld(s) {
			held++
			continue
		}
		if ch.IsClosed() {
			return failed, held, false
		}
		if err := m.runSetup(m.ctx, ch, s); err != nil {
			failed++
			m.notifyFailed(err)
			if ch.IsClosed() {
				m.hold(s)
				return failed, held + 1, true
			}
		}
	}
	return failed, held, false
}

func (m *ManagedChannel) isHeld(s *namedSetup) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return s.held()
}

// hold keeps s out of replays until its next retry
func (m *ManagedChannel) hold(s *namedSetup) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.retry == nil {
		s.retry = newReconnectBackOff(m.reopenDelay, m.maxReopenDelay, -1)
	}
	delay := s.retry.NextBackOff()
	s.retryAt = time.Now().Add(delay)
	m.healthy = false

	m.logger.Warn("setup closed the channel, holding it back",
		"channel", m.name,
		"setup", s.name,
		"retryIn", delay)
	m.scheduleRetryLocked()
}

// scheduleRetryLocked arms the retry timer for the earliest held setup
func (m *ManagedChannel) scheduleRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.closed {
		return
	}

	var next time.Time
	for _, s := range m.setups {
		if s.held() && (next.IsZero() || s.retryAt.Before(next)) {
			next = s.retryAt
		}
	}
	if next.IsZero() {
		return
	}
	m.retryTimer = time.AfterFunc(time.Until(next), m.retryHeld)
}

// retryHeld runs the held setups that are due on the live channel
func (m *ManagedChannel) retryHeld() {
	m.setupMu.Lock()
	defer m.setupMu.Unlock()

	m.mu.RLock()
	ch := m.ch
	closed := m.closed
	now := time.Now()
	var due []*namedSetup
	for _, s := range m.setups {
		if s.held() && !s.retryAt.After(now) {
			due = append(due, s)
		}
	}
	m.mu.RUnlock()

	// establish reschedules the retry once a channel is back
	if closed || ch == nil || ch.IsClosed() {
		return
	}

	for _, s := range due {
		err := m.runSetup(m.ctx, ch, s)
		if err == nil {
			m.mu.Lock()
			s.retry = nil
			m.mu.Unlock()
			m.logger.Info("held setup recovered", "channel", m.name, "setup", s.name)
			continue
		}

		m.notifyFailed(err)
		m.hold(s)
		if ch.IsClosed() {
			return
		}
	}

	m.mu.Lock()
	m.scheduleRetryLocked()
	m.mu.Unlock()
}

// runSetup executes one setup, converting panics into errors
func (m *ManagedChannel) runSetup(ctx context.Context, ch Channel, s *namedSetup) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &SetupError{Setup: s.name, Channel: m.name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if setupErr := s.fn(ctx, ch); setupErr != nil {
		return &SetupError{Setup: s.name, Channel: m.name, Err: setupErr}
	}
	return nil
}

// watch waits for ch to close and then reopens it with backoff
func (m *ManagedChannel) watch(ch Channel, notify chan *amqp.Error) {
	select {
	case amqpErr, ok := <-notify:
		m.mu.Lock()
		closed := m.closed
		if m.ch == ch {
			m.ch = nil
		}
		m.mu.Unlock()

		if closed {
			return
		}

		var cause error = ErrChannelClosed
		if ok && amqpErr != nil {
			cause = amqpErr
		}
		m.notifyFailed(&ChannelError{Op: "watch", ChannelID: m.name, Err: cause, Timestamp: time.Now()})
		m.reopen()

	case <-m.ctx.Done():
	}
}

// reopen retries establish until it succeeds or the channel is closed. The
// backoff carries over between reopens and only resets once a channel has
// stayed up for maxReopenDelay with every setup in place.
func (m *ManagedChannel) reopen() {
	m.mu.Lock()
	if m.healthy && time.Since(m.readyAt) >= m.maxReopenDelay {
		m.reopenBackOff.Reset()
	}
	m.mu.Unlock()

	for attempt := 1; ; attempt++ {
		timer := time.NewTimer(m.nextReopenDelay())
		select {
		case <-timer.C:
		case <-m.ctx.Done():
			timer.Stop()
			return
		}

		err := m.establish()
		if err == nil {
			return
		}
		if errors.Is(err, ErrChannelClosed) {
			m.logger.Debug("channel reopen stopped", "channel", m.name, "error", err)
			return
		}
		m.logger.Warn("channel reopen failed",
			"channel", m.name,
			"attempt", attempt,
			"error", err)
	}
}

func (m *ManagedChannel) nextReopenDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d := m.reopenBackOff.NextBackOff(); d != backoff.Stop {
		return d
	}
	return m.maxReopenDelay
}

func (m *ManagedChannel) snapshotListeners() []ChannelStateListener {
	m.mu.RLock()
	defer m.mu.RUnlock()
	listeners := make([]ChannelStateListener, len(m.listeners))
	copy(listeners, m.listeners)
	return listeners
}

func (m *ManagedChannel) notifyReady() {
	for _, l := range m.snapshotListeners() {
		l.OnChannelReady(m.name)
	}
}

func (m *ManagedChannel) notifyFailed(err error) {
	for _, l := range m.snapshotListeners() {
		l.OnChannelFailed(m.name, err)
	}
}
