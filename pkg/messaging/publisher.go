package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dyluth/herald/pkg/events"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// ContentType is set on every published message.
const ContentType = "application/cbor"

// Message is an event ready to publish.
type Message struct {
	Event       events.Event
	Type        events.MessageType
	ID          string
	UpdatedTime time.Time
}

// NewMessage wraps e with its default message type, a fresh id and the
// current time.
func NewMessage(e events.Event) (*Message, error) {
	t, err := events.DefaultType(e)
	if err != nil {
		return nil, err
	}
	return NewTypedMessage(e, t), nil
}

// NewTypedMessage wraps e with an explicit message type, for variants that
// travel under more than one tag (ExperimentSubmit as EXPERIMENT_CANCEL).
func NewTypedMessage(e events.Event, t events.MessageType) *Message {
	return &Message{
		Event:       e,
		Type:        t,
		ID:          events.NewMessageID(t),
		UpdatedTime: time.Now(),
	}
}

// PublisherConfig configures a Publisher.
type PublisherConfig struct {
	Exchange ExchangeSpec
	PoolSize int // concurrent Publish calls; defaults to 4
}

const defaultPoolSize = 4

// Publisher publishes messages to one exchange.
//
// Channels are never shared: Publish borrows a Worker from a bounded pool for
// the duration of one call, and Worker hands a caller a channel of its own.
type Publisher struct {
	m      *ConnectionManager
	cfg    PublisherConfig
	logger zerolog.Logger
	pool   chan *Worker

	mu     sync.Mutex
	closed bool
}

// NewPublisher creates a Publisher on m. Channels are opened lazily.
func NewPublisher(m *ConnectionManager, cfg PublisherConfig) *Publisher {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}
	p := &Publisher{
		m:      m,
		cfg:    cfg,
		logger: m.Logger().With().Str("exchange", cfg.Exchange.Name).Logger(),
		pool:   make(chan *Worker, cfg.PoolSize),
	}
	for i := 0; i < cfg.PoolSize; i++ {
		p.pool <- &Worker{p: p}
	}
	return p
}

// Worker returns a new Worker owning its own channel. The caller owns it:
// it must not be shared between goroutines and must be closed by the
// caller. Publisher.Close only stops it from publishing.
func (p *Publisher) Worker() *Worker {
	return &Worker{p: p}
}

// Publish borrows a pooled Worker and publishes msg. It blocks while every
// pooled Worker is busy, until ctx is done.
func (p *Publisher) Publish(ctx context.Context, msg *Message, routingKeyOverride ...string) error {
	if p.isClosed() {
		return ErrClosed
	}

	var w *Worker
	select {
	case w = <-p.pool:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { p.pool <- w }()

	return w.Publish(ctx, msg, routingKeyOverride...)
}

// Close closes every pooled Worker, waiting for those busy in Publish.
// Workers handed out by Worker fail with ErrClosed from then on but keep
// their channel until their owner closes them.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	var errs []error
	pooled := make([]*Worker, 0, cap(p.pool))
	for i := 0; i < cap(p.pool); i++ {
		w := <-p.pool
		errs = append(errs, w.Close())
		pooled = append(pooled, w)
	}
	// Put them back so a Publish already waiting on the pool fails with
	// ErrClosed instead of blocking.
	for _, w := range pooled {
		p.pool <- w
	}
	return errors.Join(errs...)
}

func (p *Publisher) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Worker publishes on a channel it owns exclusively. It is not safe for
// concurrent use.
type Worker struct {
	p  *Publisher
	ch Channel
}

// Publish encodes msg and publishes it as a persistent message. The routing
// key is built from the event unless a non-empty override is given.
// Transport failures are returned as PublishError and are not retried.
func (w *Worker) Publish(ctx context.Context, msg *Message, routingKeyOverride ...string) error {
	if msg == nil || msg.Event == nil {
		return errors.New("cannot publish nil message")
	}
	if err := msg.Event.Validate(); err != nil {
		return fmt.Errorf("invalid %s event: %w", msg.Type, err)
	}

	key, err := routingKeyFor(msg.Event, routingKeyOverride)
	if err != nil {
		return err
	}

	body, err := Encode(msg.Event, msg.Type, msg.ID, msg.UpdatedTime)
	if err != nil {
		return err
	}

	exchange := w.p.cfg.Exchange.Name
	ch, err := w.channel()
	if err != nil {
		return &PublishError{Exchange: exchange, RoutingKey: key, MessageID: msg.ID, Err: err}
	}

	err = ch.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType:  ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Type:         msg.Type.String(),
		Timestamp:    msg.UpdatedTime,
		AppId:        "herald",
		Body:         body,
	})
	if err != nil {
		if ch.IsClosed() {
			w.ch = nil
		}
		return &PublishError{Exchange: exchange, RoutingKey: key, MessageID: msg.ID, Err: err}
	}

	w.p.logger.Debug().
		Str("event", "message_published").
		Str("message_id", msg.ID).
		Str("message_type", msg.Type.String()).
		Str("routing_key", key).
		Msg("Published message")
	return nil
}

// Close closes the Worker's channel, if open.
func (w *Worker) Close() error {
	if w.ch == nil || w.ch.IsClosed() {
		w.ch = nil
		return nil
	}
	err := w.ch.Close()
	w.ch = nil
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}

// channel returns the Worker's channel, opening a new one (and so
// re-declaring the exchange) if it has never been opened or was closed.
func (w *Worker) channel() (Channel, error) {
	if w.p.isClosed() {
		return nil, ErrClosed
	}
	if w.ch != nil && !w.ch.IsClosed() {
		return w.ch, nil
	}
	ch, err := w.p.m.OpenChannel(w.p.cfg.Exchange)
	if err != nil {
		return nil, err
	}
	w.ch = ch
	return ch, nil
}

func routingKeyFor(e events.Event, override []string) (string, error) {
	if len(override) > 0 && override[0] != "" {
		return override[0], nil
	}
	return RoutingKey(e)
}
