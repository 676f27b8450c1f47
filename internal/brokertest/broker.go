// Package brokertest provides an in-memory AMQP 0-9-1 broker implementing
// the messaging transport interfaces. It models the parts of RabbitMQ the
// messaging layer relies on: topic, direct and fanout exchanges, the default
// exchange, broker-named and exclusive queues, per-consumer prefetch, manual
// acknowledgement with redelivery, dead-lettering and forced connection
// shutdown.
package brokertest

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dyluth/herald/pkg/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQP reply codes used by the broker.
const (
	codeConnectionForced   = 320
	codeAccessRefused      = 403
	codeNotFound           = 404
	codeResourceLocked     = 405
	codePreconditionFailed = 406
	codeNotAllowed         = 530
)

// Broker is an in-memory broker. The zero value is not usable; call New.
type Broker struct {
	mu   sync.Mutex
	cond *sync.Cond

	exchanges map[string]*exchange
	queues    map[string]*queue
	conns     map[*Conn]struct{}

	queueSeq   int
	tagSeq     int
	dials      int
	failDials  int
	deadLetter int
}

type exchange struct {
	name     string
	kind     string
	durable  bool
	bindings []binding
}

type binding struct {
	queue string
	key   string
}

type message struct {
	pub         amqp.Publishing
	exchange    string
	routingKey  string
	redelivered bool
}

type queue struct {
	name      string
	durable   bool
	exclusive bool
	owner     *Conn
	args      amqp.Table
	ready     []*message
	consumers map[*consumer]struct{}
}

// New creates an empty broker.
func New() *Broker {
	b := &Broker{
		exchanges: map[string]*exchange{"": {name: "", kind: amqp.ExchangeDirect, durable: true}},
		queues:    make(map[string]*queue),
		conns:     make(map[*Conn]struct{}),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Dial opens a connection. Its signature matches messaging.Dialer.
func (b *Broker) Dial(url string) (messaging.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.failDials > 0 {
		b.failDials--
		return nil, fmt.Errorf("dial %s: connection refused", url)
	}
	c := &Conn{b: b, channels: make(map[*Channel]struct{})}
	b.conns[c] = struct{}{}
	return c, nil
}

// FailDials makes the next n dials fail.
func (b *Broker) FailDials(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failDials = n
}

// Dials returns how many times Dial was called.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// KillConnections closes every open connection as a broker shutdown would,
// with reply code 320 CONNECTION_FORCED.
func (b *Broker) KillConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := &amqp.Error{
		Code:   codeConnectionForced,
		Reason: "CONNECTION_FORCED - broker forced connection closure with reason 'shutdown'",
		Server: true,
	}
	for c := range b.conns {
		c.closeLocked(err)
	}
	b.cond.Broadcast()
}

// HasExchange reports whether an exchange has been declared.
func (b *Broker) HasExchange(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.exchanges[name]
	return ok
}

// HasQueue reports whether a queue exists.
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// Queues lists queue names in order.
func (b *Broker) Queues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Bindings lists the binding keys from exchange to queue, sorted.
func (b *Broker) Bindings(exchangeName, queueName string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return nil
	}
	var keys []string
	for _, bd := range ex.bindings {
		if bd.queue == queueName {
			keys = append(keys, bd.key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Ready returns the number of messages waiting in a queue.
func (b *Broker) Ready(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queueName]; ok {
		return len(q.ready)
	}
	return 0
}

// Unacked returns the number of messages delivered from a queue and not yet
// acknowledged.
func (b *Broker) Unacked(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for c := range b.conns {
		for ch := range c.channels {
			for _, u := range ch.unacked {
				if u.queue.name == queueName {
					n++
				}
			}
		}
	}
	return n
}

// Consumers returns the number of consumers on a queue.
func (b *Broker) Consumers(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queueName]; ok {
		return len(q.consumers)
	}
	return 0
}

// DeadLettered returns how many messages were rejected without requeue,
// whether or not a dead-letter exchange took them.
func (b *Broker) DeadLettered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deadLetter
}

// route delivers a publishing to every queue bound for key on ex.
func (b *Broker) routeLocked(ex *exchange, key string, pub amqp.Publishing) {
	if ex.name == "" {
		if q, ok := b.queues[key]; ok {
			b.enqueueLocked(q, &message{pub: pub, exchange: "", routingKey: key})
		}
		return
	}

	seen := make(map[string]bool)
	for _, bd := range ex.bindings {
		if seen[bd.queue] || !matches(ex.kind, bd.key, key) {
			continue
		}
		seen[bd.queue] = true
		if q, ok := b.queues[bd.queue]; ok {
			b.enqueueLocked(q, &message{pub: pub, exchange: ex.name, routingKey: key})
		}
	}
}

func matches(kind, pattern, key string) bool {
	switch kind {
	case amqp.ExchangeFanout:
		return true
	case amqp.ExchangeTopic:
		return messaging.MatchTopic(pattern, key)
	default:
		return pattern == key
	}
}

func (b *Broker) enqueueLocked(q *queue, m *message) {
	q.ready = append(q.ready, m)
	b.cond.Broadcast()
}

// requeueLocked returns messages to the head of their queue, marked redelivered.
func (b *Broker) requeueLocked(q *queue, m *message) {
	if _, alive := b.queues[q.name]; !alive || b.queues[q.name] != q {
		return
	}
	m.redelivered = true
	q.ready = append([]*message{m}, q.ready...)
	b.cond.Broadcast()
}

// deadLetterLocked routes a rejected message to the queue's dead-letter
// exchange, or drops it.
func (b *Broker) deadLetterLocked(q *queue, m *message) {
	b.deadLetter++
	dlx, _ := q.args["x-dead-letter-exchange"].(string)
	if dlx == "" {
		return
	}
	ex, ok := b.exchanges[dlx]
	if !ok {
		return
	}
	pub := m.pub
	headers := amqp.Table{}
	for k, v := range pub.Headers {
		headers[k] = v
	}
	headers["x-first-death-queue"] = q.name
	headers["x-first-death-reason"] = "rejected"
	pub.Headers = headers
	b.routeLocked(ex, m.routingKey, pub)
}

func (b *Broker) deleteQueueLocked(q *queue) int {
	n := len(q.ready)
	for c := range q.consumers {
		c.cancelLocked()
	}
	delete(b.queues, q.name)
	for _, ex := range b.exchanges {
		kept := ex.bindings[:0]
		for _, bd := range ex.bindings {
			if bd.queue != q.name {
				kept = append(kept, bd)
			}
		}
		ex.bindings = kept
	}
	b.cond.Broadcast()
	return n
}

// Conn is an in-memory connection.
type Conn struct {
	b        *Broker
	closed   bool
	notify   []chan *amqp.Error
	channels map[*Channel]struct{}
}

// Channel opens a channel.
func (c *Conn) Channel() (messaging.Channel, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{
		conn:      c,
		unacked:   make(map[uint64]*delivered),
		consumers: make(map[string]*consumer),
		dead:      make(chan struct{}),
	}
	c.channels[ch] = struct{}{}
	return ch, nil
}

// NotifyClose registers a listener for connection shutdown.
func (c *Conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

// IsClosed reports whether the connection is closed.
func (c *Conn) IsClosed() bool {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	return c.closed
}

// Close closes the connection and all its channels.
func (c *Conn) Close() error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.closeLocked(nil)
	return nil
}

func (c *Conn) closeLocked(reason *amqp.Error) {
	if c.closed {
		return
	}
	c.closed = true
	for ch := range c.channels {
		ch.closeLocked(reason)
	}
	for name, q := range c.b.queues {
		if q.exclusive && q.owner == c {
			c.b.deleteQueueLocked(c.b.queues[name])
		}
	}
	delete(c.b.conns, c)
	notifyClosed(c.notify, reason)
	c.notify = nil
}

func notifyClosed(listeners []chan *amqp.Error, reason *amqp.Error) {
	for _, l := range listeners {
		if reason != nil {
			select {
			case l <- reason:
			default:
			}
		}
		close(l)
	}
}

func newError(code int, format string, args ...any) *amqp.Error {
	return &amqp.Error{Code: code, Reason: fmt.Sprintf(format, args...), Server: true}
}

var _ messaging.Conn = (*Conn)(nil)
