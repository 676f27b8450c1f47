package messaging

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// ExchangeSpec describes the exchange a channel publishes to or binds on.
// An empty Name selects the broker's default exchange, where the routing
// key is the queue name and no declaration or binding happens.
type ExchangeSpec struct {
	Name    string
	Type    string // "topic" when empty
	Durable bool
}

func (e ExchangeSpec) kind() string {
	if e.Type == "" {
		return amqp.ExchangeTopic
	}
	return e.Type
}

// Option configures a ConnectionManager.
type Option func(*ConnectionManager)

// WithLogger sets the logger used by the manager and by the publishers and
// subscribers built on it.
func WithLogger(l zerolog.Logger) Option {
	return func(m *ConnectionManager) { m.logger = l }
}

// WithDialer replaces DialAMQP.
func WithDialer(d Dialer) Option {
	return func(m *ConnectionManager) { m.dial = d }
}

// WithBackOff replaces the reconnection policy. The factory is called once
// per recovery so every attempt sequence starts from the initial interval.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(m *ConnectionManager) { m.newBackOff = f }
}

// DefaultBackOff is the reconnection policy: exponential from 500ms, capped
// at 30s between attempts, retrying for as long as the context lives.
func DefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// ConnectionManager owns one broker connection and the channels opened on
// it. It is the single place where reconnection happens.
type ConnectionManager struct {
	url          string
	autoRecovery bool
	dial         Dialer
	newBackOff   func() backoff.BackOff
	logger       zerolog.Logger

	mu       sync.Mutex
	conn     Conn
	closed   bool
	channels map[Channel]struct{}
}

// Connect dials the broker once. Any failure is returned as a
// ConnectionError; Connect never retries.
func Connect(ctx context.Context, brokerURL string, autoRecovery bool, opts ...Option) (*ConnectionManager, error) {
	m := &ConnectionManager{
		url:          brokerURL,
		autoRecovery: autoRecovery,
		dial:         DialAMQP,
		newBackOff:   DefaultBackOff,
		logger:       zerolog.Nop(),
		channels:     make(map[Channel]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := ctx.Err(); err != nil {
		return nil, &ConnectionError{URL: m.redacted(), Op: "dial", Err: err}
	}

	conn, err := m.dial(brokerURL)
	if err != nil {
		return nil, &ConnectionError{URL: m.redacted(), Op: "dial", Err: err}
	}
	m.conn = conn
	m.watch(conn)

	m.logger.Info().
		Str("event", "broker_connected").
		Str("broker", m.redacted()).
		Bool("auto_recovery", autoRecovery).
		Msg("Connected to broker")
	return m, nil
}

// Logger returns the manager's logger.
func (m *ConnectionManager) Logger() zerolog.Logger {
	return m.logger
}

// AutoRecovery reports whether Reconnect is enabled.
func (m *ConnectionManager) AutoRecovery() bool {
	return m.autoRecovery
}

// IsConnected reports whether the underlying connection is open.
func (m *ConnectionManager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed && m.conn != nil && !m.conn.IsClosed()
}

// OpenChannel opens a channel and, when ex names one, declares the exchange.
// Declaration is idempotent on the broker.
func (m *ConnectionManager) OpenChannel(ex ExchangeSpec) (Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if m.conn == nil || m.conn.IsClosed() {
		return nil, &ConnectionError{URL: m.redacted(), Op: "channel", Err: amqp.ErrClosed}
	}

	ch, err := m.conn.Channel()
	if err != nil {
		return nil, &ConnectionError{URL: m.redacted(), Op: "channel", Err: err}
	}

	if ex.Name != "" {
		if err := ch.ExchangeDeclare(ex.Name, ex.kind(), ex.Durable, false, false, false, nil); err != nil {
			_ = ch.Close()
			return nil, &ConnectionError{URL: m.redacted(), Op: "exchange declare " + ex.Name, Err: err}
		}
	}

	m.pruneLocked()
	m.channels[ch] = struct{}{}
	return ch, nil
}

// Reconnect re-establishes the connection using the backoff policy. It
// returns immediately if the connection is already open, and returns a
// ConnectionError without trying when auto-recovery is disabled.
func (m *ConnectionManager) Reconnect(ctx context.Context) error {
	if !m.autoRecovery {
		return &ConnectionError{URL: m.redacted(), Op: "reconnect", Err: errors.New("auto recovery is disabled")}
	}
	return m.retry(ctx, func() error { return nil })
}

// Close closes every tracked channel and then the connection. It is safe to
// call more than once.
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	for ch := range m.channels {
		if !ch.IsClosed() {
			_ = ch.Close()
		}
	}
	m.channels = nil

	if m.conn == nil || m.conn.IsClosed() {
		return nil
	}
	if err := m.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return nil
}

// retry runs op, reconnecting and retrying under the backoff policy while
// it fails. Without auto-recovery op runs exactly once. ErrClosed and
// context cancellation end the retries.
func (m *ConnectionManager) retry(ctx context.Context, op func() error) error {
	if !m.autoRecovery {
		return op()
	}

	attempt := func() error {
		if err := m.ensureConnected(); err != nil {
			if errors.Is(err, ErrClosed) {
				return backoff.Permanent(err)
			}
			return err
		}
		err := op()
		if errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		m.logger.Warn().
			Err(err).
			Str("event", "broker_retry").
			Dur("wait", wait).
			Msg("Broker operation failed, retrying")
	}

	return backoff.RetryNotify(attempt, backoff.WithContext(m.newBackOff(), ctx), notify)
}

// ensureConnected redials if the connection has gone away.
func (m *ConnectionManager) ensureConnected() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.conn != nil && !m.conn.IsClosed() {
		return nil
	}

	conn, err := m.dial(m.url)
	if err != nil {
		return &ConnectionError{URL: m.redacted(), Op: "dial", Err: err}
	}
	m.conn = conn
	m.channels = make(map[Channel]struct{})
	m.watch(conn)

	m.logger.Info().
		Str("event", "broker_reconnected").
		Str("broker", m.redacted()).
		Msg("Reconnected to broker")
	return nil
}

// watch logs broker-initiated shutdowns of conn. It does not resubscribe;
// consume loops notice their closed delivery channels and recover on their own.
func (m *ConnectionManager) watch(conn Conn) {
	closes := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		amqpErr, ok := <-closes
		if !ok || amqpErr == nil {
			m.logger.Debug().Str("event", "broker_connection_closed").Msg("Broker connection closed")
			return
		}
		m.logger.Warn().
			Str("event", "broker_disconnected").
			Int("code", amqpErr.Code).
			Str("reason", amqpErr.Reason).
			Bool("server", amqpErr.Server).
			Bool("recover", amqpErr.Recover).
			Msg("Broker closed the connection")
	}()
}

func (m *ConnectionManager) pruneLocked() {
	for ch := range m.channels {
		if ch.IsClosed() {
			delete(m.channels, ch)
		}
	}
}

func (m *ConnectionManager) redacted() string {
	u, err := url.Parse(m.url)
	if err != nil {
		return "<invalid url>"
	}
	return u.Redacted()
}
