package brokertest

import (
	"context"
	"fmt"
	"sort"

	"github.com/dyluth/herald/pkg/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is an in-memory channel. Like RabbitMQ, any protocol error closes
// it, requeueing its unacknowledged deliveries.
type Channel struct {
	conn      *Conn
	closed    bool
	prefetch  int
	nextTag   uint64
	unacked   map[uint64]*delivered
	consumers map[string]*consumer
	notify    []chan *amqp.Error
	dead      chan struct{} // closed with the channel
}

type delivered struct {
	msg      *message
	queue    *queue
	consumer *consumer
}

type consumer struct {
	tag      string
	ch       *Channel
	q        *queue
	autoAck  bool
	prefetch int
	inflight int

	out       chan amqp.Delivery
	done      chan struct{}
	cancelled bool
}

var (
	_ messaging.Channel = (*Channel)(nil)
	_ amqp.Acknowledger = (*Channel)(nil)
)

func (ch *Channel) broker() *Broker { return ch.conn.b }

// fail closes the channel with a protocol error and returns it.
func (ch *Channel) fail(code int, format string, args ...any) error {
	err := newError(code, format, args...)
	ch.closeLocked(err)
	return err
}

func (ch *Channel) closeLocked(reason *amqp.Error) {
	if ch.closed {
		return
	}
	ch.closed = true
	close(ch.dead)
	b := ch.broker()

	for _, c := range ch.consumers {
		c.cancelLocked()
	}

	tags := make([]uint64, 0, len(ch.unacked))
	for tag := range ch.unacked {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] > tags[j] })
	for _, tag := range tags {
		u := ch.unacked[tag]
		b.requeueLocked(u.queue, u.msg)
	}
	ch.unacked = nil

	delete(ch.conn.channels, ch)
	notifyClosed(ch.notify, reason)
	ch.notify = nil
	b.cond.Broadcast()
}

// ExchangeDeclare declares an exchange. Redeclaring with a different kind
// is a 406 channel error.
func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if name == "" {
		return ch.fail(codeAccessRefused, "ACCESS_REFUSED - operation not permitted on the default exchange")
	}
	switch kind {
	case amqp.ExchangeTopic, amqp.ExchangeDirect, amqp.ExchangeFanout:
	default:
		return ch.fail(codeNotAllowed, "COMMAND_INVALID - unknown exchange type '%s'", kind)
	}
	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind || ex.durable != durable {
			return ch.fail(codePreconditionFailed,
				"PRECONDITION_FAILED - inequivalent arg 'type' for exchange '%s': received '%s' but current is '%s'",
				name, kind, ex.kind)
		}
		return nil
	}
	b.exchanges[name] = &exchange{name: name, kind: kind, durable: durable}
	return nil
}

// QueueDeclare declares a queue; an empty name gets a broker-generated one.
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if name == "" {
		b.queueSeq++
		name = fmt.Sprintf("amq.gen-%d", b.queueSeq)
	}

	if q, ok := b.queues[name]; ok {
		if q.exclusive && q.owner != ch.conn {
			return amqp.Queue{}, ch.fail(codeResourceLocked,
				"RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%s'", name)
		}
		if dlx(q.args) != dlx(args) {
			return amqp.Queue{}, ch.fail(codePreconditionFailed,
				"PRECONDITION_FAILED - inequivalent arg 'x-dead-letter-exchange' for queue '%s'", name)
		}
		return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
	}

	q := &queue{
		name:      name,
		durable:   durable,
		exclusive: exclusive,
		args:      args,
		consumers: make(map[*consumer]struct{}),
	}
	if exclusive {
		q.owner = ch.conn
	}
	b.queues[name] = q
	return amqp.Queue{Name: name}, nil
}

func dlx(args amqp.Table) string {
	s, _ := args["x-dead-letter-exchange"].(string)
	return s
}

// QueueBind binds a queue to an exchange.
func (ch *Channel) QueueBind(name, key, exchangeName string, noWait bool, args amqp.Table) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if exchangeName == "" {
		return ch.fail(codeAccessRefused, "ACCESS_REFUSED - operation not permitted on the default exchange")
	}
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return ch.fail(codeNotFound, "NOT_FOUND - no exchange '%s'", exchangeName)
	}
	if _, ok := b.queues[name]; !ok {
		return ch.fail(codeNotFound, "NOT_FOUND - no queue '%s'", name)
	}
	for _, bd := range ex.bindings {
		if bd.queue == name && bd.key == key {
			return nil
		}
	}
	ex.bindings = append(ex.bindings, binding{queue: name, key: key})
	return nil
}

// QueueUnbind removes a binding. Removing a missing binding succeeds.
func (ch *Channel) QueueUnbind(name, key, exchangeName string, args amqp.Table) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return ch.fail(codeNotFound, "NOT_FOUND - no exchange '%s'", exchangeName)
	}
	if _, ok := b.queues[name]; !ok {
		return ch.fail(codeNotFound, "NOT_FOUND - no queue '%s'", name)
	}
	kept := ex.bindings[:0]
	for _, bd := range ex.bindings {
		if bd.queue != name || bd.key != key {
			kept = append(kept, bd)
		}
	}
	ex.bindings = kept
	return nil
}

// QueueDelete deletes a queue and returns how many ready messages it held.
// Deleting a missing queue succeeds.
func (ch *Channel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return 0, amqp.ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		return 0, nil
	}
	if q.exclusive && q.owner != ch.conn {
		return 0, ch.fail(codeResourceLocked,
			"RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%s'", name)
	}
	if ifUnused && len(q.consumers) > 0 {
		return 0, ch.fail(codePreconditionFailed, "PRECONDITION_FAILED - queue '%s' in use", name)
	}
	if ifEmpty && len(q.ready) > 0 {
		return 0, ch.fail(codePreconditionFailed, "PRECONDITION_FAILED - queue '%s' not empty", name)
	}
	return b.deleteQueueLocked(q), nil
}

// Qos sets the prefetch window for consumers started afterwards on this
// channel. Size and global are ignored.
func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

// Consume starts a consumer. The returned channel is closed when the
// consumer is cancelled or the channel closes.
func (ch *Channel) Consume(queueName, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}
	q, ok := b.queues[queueName]
	if !ok {
		return nil, ch.fail(codeNotFound, "NOT_FOUND - no queue '%s'", queueName)
	}
	if q.exclusive && q.owner != ch.conn {
		return nil, ch.fail(codeResourceLocked,
			"RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%s'", queueName)
	}
	if tag == "" {
		b.tagSeq++
		tag = fmt.Sprintf("amq.ctag-%d", b.tagSeq)
	}
	if _, dup := ch.consumers[tag]; dup {
		return nil, ch.fail(codeNotAllowed, "NOT_ALLOWED - attempt to reuse consumer tag '%s'", tag)
	}

	c := &consumer{
		tag:      tag,
		ch:       ch,
		q:        q,
		autoAck:  autoAck,
		prefetch: ch.prefetch,
		out:      make(chan amqp.Delivery),
		done:     make(chan struct{}),
	}
	ch.consumers[tag] = c
	q.consumers[c] = struct{}{}
	go c.run(b)
	return c.out, nil
}

// Cancel stops a consumer. Its unacknowledged deliveries stay outstanding
// on the channel.
func (ch *Channel) Cancel(tag string, noWait bool) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if c, ok := ch.consumers[tag]; ok {
		c.cancelLocked()
	}
	return nil
}

// PublishWithContext routes a message through an exchange. Publishing to a
// missing exchange is a 404 channel error.
func (ch *Channel) PublishWithContext(ctx context.Context, exchangeName, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return ch.fail(codeNotFound, "NOT_FOUND - no exchange '%s'", exchangeName)
	}
	msg.Body = append([]byte(nil), msg.Body...)
	b.routeLocked(ex, key, msg)
	return nil
}

// Ack acknowledges a delivery, or every delivery up to tag when multiple is
// set. An unknown tag is a 406 channel error.
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	_, err := ch.settleLocked(tag, multiple)
	return err
}

// Nack rejects a delivery, requeueing it or dead-lettering it.
func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	settled, err := ch.settleLocked(tag, multiple)
	if err != nil {
		return err
	}
	// settled is in descending tag order, so prepending keeps delivery order.
	for _, u := range settled {
		if requeue {
			b.requeueLocked(u.queue, u.msg)
		} else {
			b.deadLetterLocked(u.queue, u.msg)
		}
	}
	return nil
}

// Reject is Nack for a single delivery.
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

// settleLocked removes the deliveries an ack or nack covers, returning them
// in descending tag order.
func (ch *Channel) settleLocked(tag uint64, multiple bool) ([]*delivered, error) {
	if ch.closed {
		return nil, amqp.ErrClosed
	}

	var tags []uint64
	if multiple {
		for t := range ch.unacked {
			if t <= tag {
				tags = append(tags, t)
			}
		}
	} else if _, ok := ch.unacked[tag]; ok {
		tags = []uint64{tag}
	}
	if len(tags) == 0 {
		return nil, ch.fail(codePreconditionFailed, "PRECONDITION_FAILED - unknown delivery tag %d", tag)
	}

	sort.Slice(tags, func(i, j int) bool { return tags[i] > tags[j] })
	out := make([]*delivered, 0, len(tags))
	for _, t := range tags {
		u := ch.unacked[t]
		delete(ch.unacked, t)
		u.consumer.inflight--
		out = append(out, u)
	}
	ch.broker().cond.Broadcast()
	return out, nil
}

// NotifyClose registers a listener for channel shutdown.
func (ch *Channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.notify = append(ch.notify, receiver)
	return receiver
}

// IsClosed reports whether the channel is closed.
func (ch *Channel) IsClosed() bool {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	return ch.closed
}

// Close closes the channel, requeueing its unacknowledged deliveries.
func (ch *Channel) Close() error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.closeLocked(nil)
	return nil
}

func (c *consumer) cancelLocked() {
	if c.cancelled {
		return
	}
	c.cancelled = true
	close(c.done)
	delete(c.q.consumers, c)
	delete(c.ch.consumers, c.tag)
	c.ch.broker().cond.Broadcast()
}

func (c *consumer) canTakeLocked() bool {
	if len(c.q.ready) == 0 {
		return false
	}
	return c.autoAck || c.prefetch <= 0 || c.inflight < c.prefetch
}

func (c *consumer) takeLocked() amqp.Delivery {
	m := c.q.ready[0]
	c.q.ready = c.q.ready[1:]

	c.ch.nextTag++
	tag := c.ch.nextTag
	if !c.autoAck {
		c.ch.unacked[tag] = &delivered{msg: m, queue: c.q, consumer: c}
		c.inflight++
	}

	return amqp.Delivery{
		Acknowledger:    c.ch,
		Headers:         m.pub.Headers,
		ContentType:     m.pub.ContentType,
		ContentEncoding: m.pub.ContentEncoding,
		DeliveryMode:    m.pub.DeliveryMode,
		Priority:        m.pub.Priority,
		CorrelationId:   m.pub.CorrelationId,
		ReplyTo:         m.pub.ReplyTo,
		Expiration:      m.pub.Expiration,
		MessageId:       m.pub.MessageId,
		Timestamp:       m.pub.Timestamp,
		Type:            m.pub.Type,
		UserId:          m.pub.UserId,
		AppId:           m.pub.AppId,
		ConsumerTag:     c.tag,
		DeliveryTag:     tag,
		Redelivered:     m.redelivered,
		Exchange:        m.exchange,
		RoutingKey:      m.routingKey,
		Body:            m.pub.Body,
	}
}

// run feeds deliveries to the consumer until it is cancelled. A delivery
// already taken when the cancel lands is still handed over, as amqp091
// flushes its buffer; it stays unacked until settled or the channel closes.
func (c *consumer) run(b *Broker) {
	defer close(c.out)

	b.mu.Lock()
	for {
		for !c.cancelled && !c.canTakeLocked() {
			b.cond.Wait()
		}
		if c.cancelled {
			b.mu.Unlock()
			return
		}
		d := c.takeLocked()
		b.mu.Unlock()

		select {
		case c.out <- d:
		case <-c.done:
			select {
			case c.out <- d:
			case <-c.ch.dead:
			}
			return
		}
		b.mu.Lock()
	}
}
