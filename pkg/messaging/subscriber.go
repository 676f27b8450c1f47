package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// SubscriberConfig configures a Subscriber.
type SubscriberConfig struct {
	Exchange           ExchangeSpec
	PrefetchCount      int    // unacked deliveries per consumer; defaults to 64
	ConsumerTag        string // prefix for consumer tags; defaults to "default"
	DeadLetterExchange string // set as x-dead-letter-exchange on declared queues
}

const (
	defaultPrefetch    = 64
	defaultConsumerTag = "default"
)

// ListenOptions describes one subscription.
type ListenOptions struct {
	Queue       string // empty for a broker-named queue
	RoutingKeys []string
	AutoAck     bool
	Durable     bool
	Exclusive   bool
}

// Subscriber consumes from queues bound on one exchange. All of its
// subscriptions share one channel; the channel is only replaced under mu.
type Subscriber struct {
	m      *ConnectionManager
	cfg    SubscriberConfig
	logger zerolog.Logger
	subs   *SubscriptionRegistry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	ch     Channel
	gen    uint64
	closed bool
	loops  map[string]*consumeLoop
}

type consumeLoop struct {
	id       string
	opts     ListenOptions
	registry *Registry
	ctx      context.Context
	stop     context.CancelFunc
}

// NewSubscriber creates a Subscriber on m. The channel is opened by the
// first Listen.
func NewSubscriber(m *ConnectionManager, cfg SubscriberConfig) *Subscriber {
	if cfg.PrefetchCount <= 0 {
		cfg.PrefetchCount = defaultPrefetch
	}
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = defaultConsumerTag
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Subscriber{
		m:      m,
		cfg:    cfg,
		logger: m.Logger().With().Str("exchange", cfg.Exchange.Name).Logger(),
		subs:   NewSubscriptionRegistry(),
		ctx:    ctx,
		cancel: cancel,
		loops:  make(map[string]*consumeLoop),
	}
}

// Subscriptions returns the subscriber's registry of live subscriptions.
func (s *Subscriber) Subscriptions() *SubscriptionRegistry {
	return s.subs
}

// Listen declares the queue, binds every routing key, starts consuming and
// dispatches deliveries through registry until StopListen or Close. It
// returns the subscription id.
//
// An identical (queue, routing keys) subscription that is still live is
// rejected with DuplicateSubscriptionError before anything reaches the broker.
func (s *Subscriber) Listen(registry *Registry, opts ListenOptions) (string, error) {
	if registry == nil {
		return "", errors.New("registry cannot be nil")
	}
	if s.cfg.Exchange.Name != "" && len(opts.RoutingKeys) == 0 {
		return "", errors.New("at least one routing key is required")
	}
	for _, k := range opts.RoutingKeys {
		if err := ValidatePattern(k); err != nil {
			return "", err
		}
	}

	keys := canonicalKeys(opts.RoutingKeys)
	opts.RoutingKeys = keys
	id := SubscriptionID(opts.Queue, keys)

	sub := &Subscription{
		ID:          id,
		Queue:       opts.Queue,
		RoutingKeys: keys,
		Durable:     opts.Durable,
		Exclusive:   opts.Exclusive,
		AutoAck:     opts.AutoAck,
		ConsumerTag: s.cfg.ConsumerTag + "." + id,
		State:       StateCreated,
	}
	if err := s.subs.Add(sub); err != nil {
		return "", err
	}

	ch, gen, err := s.channel()
	if err != nil {
		s.subs.Remove(id)
		return "", err
	}
	deliveries, err := s.subscribe(ch, id, opts)
	if err != nil {
		s.subs.Remove(id)
		return "", err
	}

	ctx, stop := context.WithCancel(s.ctx)
	loop := &consumeLoop{id: id, opts: opts, registry: registry, ctx: ctx, stop: stop}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		stop()
		s.subs.Remove(id)
		return "", ErrClosed
	}
	s.loops[id] = loop
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(loop, deliveries, gen)
	return id, nil
}

// StopListen cancels the consumer, unbinds every routing key and deletes
// the queue when this subscription owns it (broker-named or exclusive, and
// not durable). In-flight handlers finish normally. Deliveries prefetched
// but not yet dispatched are nacked back to the queue. Unknown ids are
// ignored.
func (s *Subscriber) StopListen(id string) error {
	sub, ok := s.subs.Remove(id)
	if !ok {
		return nil
	}

	s.mu.Lock()
	if loop, ok := s.loops[id]; ok {
		loop.stop()
		delete(s.loops, id)
	}
	ch := s.ch
	s.mu.Unlock()

	sub.State = StateStopped
	log := s.logger.With().Str("subscription", id).Str("queue", sub.BoundQueue).Logger()

	if ch == nil || ch.IsClosed() || sub.BoundQueue == "" {
		log.Info().Str("event", "subscription_stopped").Msg("Subscription stopped without broker cleanup")
		return nil
	}

	var errs []error
	if err := ch.Cancel(sub.ConsumerTag, false); err != nil {
		errs = append(errs, fmt.Errorf("failed to cancel consumer %s: %w", sub.ConsumerTag, err))
	}
	if s.cfg.Exchange.Name != "" {
		for _, key := range sub.RoutingKeys {
			if err := ch.QueueUnbind(sub.BoundQueue, key, s.cfg.Exchange.Name, nil); err != nil {
				errs = append(errs, fmt.Errorf("failed to unbind %q: %w", key, err))
			}
		}
	}
	if sub.ownsQueue() {
		if _, err := ch.QueueDelete(sub.BoundQueue, false, false, false); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete queue %s: %w", sub.BoundQueue, err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		log.Warn().Err(err).Str("event", "subscription_stopped").Msg("Subscription stopped with cleanup errors")
		return err
	}
	log.Info().Str("event", "subscription_stopped").Msg("Subscription stopped")
	return nil
}

// SendAck acknowledges a delivery on the subscriber's channel, reopening the
// channel (and re-applying prefetch) if it was closed. A tag from a channel
// that has since closed is not sent: the broker has already requeued that
// message. Failures are logged, never returned.
func (s *Subscriber) SendAck(tag uint64) {
	s.sendOnCurrent(tag, false, false)
}

// SendNack is SendAck's negative counterpart.
func (s *Subscriber) SendNack(tag uint64, requeue bool) {
	s.sendOnCurrent(tag, true, requeue)
}

// Close stops every subscription, closes the channel and waits for the
// consume loops to return. It must not be called from a handler.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var errs []error
	for _, sub := range s.subs.List() {
		errs = append(errs, s.StopListen(sub.ID))
	}
	s.cancel()

	s.mu.Lock()
	ch := s.ch
	s.ch = nil
	s.mu.Unlock()
	if ch != nil && !ch.IsClosed() {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}

	s.wg.Wait()
	return errors.Join(errs...)
}

// channel returns the current channel, opening a new generation if there is
// none or the current one has closed.
func (s *Subscriber) channel() (Channel, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, 0, ErrClosed
	}
	if s.ch != nil && !s.ch.IsClosed() {
		return s.ch, s.gen, nil
	}

	ch, err := s.m.OpenChannel(s.cfg.Exchange)
	if err != nil {
		return nil, 0, err
	}
	if err := ch.Qos(s.cfg.PrefetchCount, 0, false); err != nil {
		_ = ch.Close()
		return nil, 0, &ConnectionError{URL: s.m.redacted(), Op: "qos", Err: err}
	}
	s.ch = ch
	s.gen++

	s.logger.Debug().
		Str("event", "channel_opened").
		Uint64("generation", s.gen).
		Int("prefetch", s.cfg.PrefetchCount).
		Msg("Opened subscriber channel")
	return ch, s.gen, nil
}

// errSubscriptionGone reports that StopListen removed a subscription while
// it was being (re)established.
var errSubscriptionGone = errors.New("subscription stopped")

// subscribe declares, binds and consumes for one subscription on ch. On
// failure, or if the subscription is stopped meanwhile, whatever it set up
// is taken down again.
func (s *Subscriber) subscribe(ch Channel, id string, opts ListenOptions) (<-chan amqp.Delivery, error) {
	var args amqp.Table
	if s.cfg.DeadLetterExchange != "" {
		args = amqp.Table{"x-dead-letter-exchange": s.cfg.DeadLetterExchange}
	}

	// Broker-named queues are always exclusive to this connection.
	exclusive := opts.Exclusive || opts.Queue == ""
	q, err := ch.QueueDeclare(opts.Queue, opts.Durable, false, exclusive, false, args)
	if err != nil {
		return nil, fmt.Errorf("failed to declare queue %q: %w", opts.Queue, err)
	}

	var bound []string
	if s.cfg.Exchange.Name != "" {
		for _, key := range opts.RoutingKeys {
			if err := ch.QueueBind(q.Name, key, s.cfg.Exchange.Name, false, nil); err != nil {
				s.unwind(ch, q.Name, bound, opts)
				return nil, fmt.Errorf("failed to bind %s to %q: %w", q.Name, key, err)
			}
			bound = append(bound, key)
		}
	}
	ok := s.subs.update(id, func(sub *Subscription) {
		sub.BoundQueue = q.Name
		sub.State = StateBound
	})
	if !ok {
		s.unwind(ch, q.Name, bound, opts)
		return nil, errSubscriptionGone
	}

	tag := s.cfg.ConsumerTag + "." + id
	deliveries, err := ch.Consume(q.Name, tag, opts.AutoAck, opts.Exclusive, false, false, nil)
	if err != nil {
		s.unwind(ch, q.Name, bound, opts)
		return nil, fmt.Errorf("failed to consume from %s: %w", q.Name, err)
	}

	// StopListen may have run between the bind and the consume, in which
	// case it saw no consumer to cancel.
	if !s.subs.update(id, func(sub *Subscription) { sub.State = StateConsuming }) {
		if err := ch.Cancel(tag, false); err == nil && !opts.AutoAck {
			s.requeueAll(deliveries, ch)
		}
		s.unwind(ch, q.Name, bound, opts)
		return nil, errSubscriptionGone
	}

	s.logger.Info().
		Str("event", "subscription_bound").
		Str("subscription", id).
		Str("queue", q.Name).
		Strs("routing_keys", opts.RoutingKeys).
		Bool("auto_ack", opts.AutoAck).
		Msg("Subscription consuming")
	return deliveries, nil
}

// unwind removes the bindings subscribe made on queue and deletes the queue
// if the subscription would have owned it. Errors are logged only.
func (s *Subscriber) unwind(ch Channel, queue string, keys []string, opts ListenOptions) {
	if ch.IsClosed() {
		return
	}
	log := s.logger.With().Str("queue", queue).Logger()
	for _, key := range keys {
		if err := ch.QueueUnbind(queue, key, s.cfg.Exchange.Name, nil); err != nil {
			log.Warn().Err(err).Str("event", "unbind_failed").Str("routing_key", key).Msg("Could not remove binding")
		}
	}
	owned := Subscription{Queue: opts.Queue, Durable: opts.Durable, Exclusive: opts.Exclusive}
	if owned.ownsQueue() {
		if _, err := ch.QueueDelete(queue, false, false, false); err != nil {
			log.Warn().Err(err).Str("event", "queue_delete_failed").Msg("Could not delete queue")
		}
	}
}

// requeueAll nacks every delivery left on a cancelled consumer until the
// broker closes it.
func (s *Subscriber) requeueAll(deliveries <-chan amqp.Delivery, ch Channel) {
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			s.send(ch, d.DeliveryTag, true, true)
		case <-s.ctx.Done():
			return
		}
	}
}

// run is the consume loop for one subscription.
func (s *Subscriber) run(loop *consumeLoop, deliveries <-chan amqp.Delivery, gen uint64) {
	defer s.wg.Done()

	for {
		select {
		case <-loop.ctx.Done():
			s.release(loop, deliveries, gen)
			return
		case d, ok := <-deliveries:
			if !ok {
				if loop.ctx.Err() != nil {
					return
				}
				var err error
				deliveries, gen, err = s.resubscribe(loop)
				if err != nil {
					if loop.ctx.Err() == nil {
						s.logger.Error().
							Err(err).
							Str("event", "subscription_lost").
							Str("subscription", loop.id).
							Msg("Could not re-establish subscription")
						s.subs.update(loop.id, func(sub *Subscription) { sub.State = StateStopped })
					}
					return
				}
				continue
			}
			if loop.ctx.Err() != nil {
				if !loop.opts.AutoAck {
					s.settle(gen, d.DeliveryTag, true, true)
				}
				s.release(loop, deliveries, gen)
				return
			}
			s.dispatch(loop, d, gen)
		}
	}
}

// release returns the deliveries a stopped consumer had prefetched to the
// queue. It waits for the broker to close the delivery channel after the
// cancel, or for the subscriber to close.
func (s *Subscriber) release(loop *consumeLoop, deliveries <-chan amqp.Delivery, gen uint64) {
	if loop.opts.AutoAck {
		return
	}
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			s.settle(gen, d.DeliveryTag, true, true)
		case <-s.ctx.Done():
			return
		}
	}
}

// resubscribe re-establishes a subscription whose delivery channel closed,
// under the connection manager's retry policy.
func (s *Subscriber) resubscribe(loop *consumeLoop) (<-chan amqp.Delivery, uint64, error) {
	s.logger.Warn().
		Str("event", "consumer_interrupted").
		Str("subscription", loop.id).
		Msg("Delivery channel closed, resubscribing")

	var (
		deliveries <-chan amqp.Delivery
		gen        uint64
	)
	err := s.m.retry(loop.ctx, func() error {
		if loop.ctx.Err() != nil {
			return backoff.Permanent(loop.ctx.Err())
		}
		ch, g, err := s.channel()
		if err != nil {
			return err
		}
		d, err := s.subscribe(ch, loop.id, loop.opts)
		if errors.Is(err, errSubscriptionGone) {
			return backoff.Permanent(err)
		}
		if err != nil {
			return err
		}
		deliveries, gen = d, g
		return nil
	})
	return deliveries, gen, err
}

// dispatch decodes one delivery and hands it to its handler.
func (s *Subscriber) dispatch(loop *consumeLoop, d amqp.Delivery, gen uint64) {
	log := s.logger.With().
		Str("subscription", loop.id).
		Uint64("delivery_tag", d.DeliveryTag).
		Str("routing_key", d.RoutingKey).
		Logger()
	autoAck := loop.opts.AutoAck

	env, err := Decode(d.Body)
	if err != nil {
		s.rejectMalformed(log, d, gen, autoAck, err)
		return
	}
	log = log.With().Str("message_id", env.MessageID).Str("message_type", env.MessageType.String()).Logger()

	dec, handler, err := loop.registry.Resolve(env.MessageType)
	if err != nil {
		log.Info().Str("event", "delivery_ignored").Msg("No handler for message type, dropping")
		if !autoAck {
			s.settle(gen, d.DeliveryTag, false, false)
		}
		return
	}

	event, err := decodeWith(dec, env)
	if err != nil {
		s.rejectMalformed(log, d, gen, autoAck, err)
		return
	}

	dc := &DeliveryContext{
		Event:          event,
		MessageType:    env.MessageType,
		MessageID:      env.MessageID,
		GatewayID:      env.GatewayID,
		DeliveryTag:    d.DeliveryTag,
		UpdatedTime:    env.UpdatedTime(),
		Redelivered:    d.Redelivered,
		RoutingKey:     d.RoutingKey,
		SubscriptionID: loop.id,
		sub:            s,
		gen:            gen,
		autoAck:        autoAck,
	}
	s.invoke(loop.ctx, log, handler, dc)
}

// invoke runs the handler, containing panics and logging errors. A manual
// ack delivery the handler left unsettled after a panic or an error gets
// the dead-letter policy: requeued the first time, rejected once
// redelivered. Without that it would hold a prefetch slot until the
// channel closed.
func (s *Subscriber) invoke(ctx context.Context, log zerolog.Logger, h Handler, dc *DeliveryContext) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", "handler_panic").
				Interface("panic", r).
				Bool("redelivered", dc.Redelivered).
				Msg("Handler panicked")
			dc.Nack(!dc.Redelivered)
		}
	}()

	if err := h.Handle(ctx, dc); err != nil {
		log.Error().
			Err(err).
			Str("event", "handler_failed").
			Bool("redelivered", dc.Redelivered).
			Msg("Handler returned an error")
		dc.Nack(!dc.Redelivered)
	}
}

// rejectMalformed applies the dead-letter policy to an undecodable delivery:
// requeue on first failure, dead-letter once the broker has redelivered it.
func (s *Subscriber) rejectMalformed(log zerolog.Logger, d amqp.Delivery, gen uint64, autoAck bool, err error) {
	switch {
	case autoAck:
		log.Warn().Err(err).Str("event", "delivery_dropped").Msg("Undecodable delivery dropped")
	case d.Redelivered:
		log.Error().Err(err).Str("event", "delivery_dead_lettered").Msg("Undecodable delivery rejected after redelivery")
		s.settle(gen, d.DeliveryTag, true, false)
	default:
		log.Warn().Err(err).Str("event", "delivery_requeued").Msg("Undecodable delivery returned to the broker")
		s.settle(gen, d.DeliveryTag, true, true)
	}
}

// settle acks or nacks a tag issued on channel generation gen. Tags from an
// older generation are skipped: their channel is gone and the broker has
// requeued the message.
func (s *Subscriber) settle(gen, tag uint64, nack, requeue bool) {
	s.mu.Lock()
	ch := s.ch
	current := s.gen
	s.mu.Unlock()

	if ch == nil || gen != current || ch.IsClosed() {
		s.logAckError(&AckError{DeliveryTag: tag, Nack: nack, Err: errors.New("channel closed since delivery")})
		return
	}
	s.send(ch, tag, nack, requeue)
}

func (s *Subscriber) sendOnCurrent(tag uint64, nack, requeue bool) {
	s.mu.Lock()
	before := s.gen
	s.mu.Unlock()

	ch, gen, err := s.channel()
	if err != nil {
		s.logAckError(&AckError{DeliveryTag: tag, Nack: nack, Err: err})
		return
	}
	if gen != before {
		s.logAckError(&AckError{DeliveryTag: tag, Nack: nack, Err: errors.New("channel reopened, delivery already requeued")})
		return
	}
	s.send(ch, tag, nack, requeue)
}

func (s *Subscriber) send(ch Channel, tag uint64, nack, requeue bool) {
	var err error
	if nack {
		err = ch.Nack(tag, false, requeue)
	} else {
		err = ch.Ack(tag, false)
	}
	if err != nil {
		s.logAckError(&AckError{DeliveryTag: tag, Nack: nack, Err: err})
	}
}

func (s *Subscriber) logAckError(err *AckError) {
	s.logger.Warn().Err(err).Str("event", "ack_failed").Uint64("delivery_tag", err.DeliveryTag).Msg("Acknowledgement not sent")
}
