package messaging

import (
	"sync/atomic"
	"time"

	"github.com/dyluth/herald/pkg/events"
)

// DeliveryContext is one decoded inbound delivery, handed to exactly one
// handler invocation.
type DeliveryContext struct {
	Event          events.Event // nil if the payload could not be decoded
	MessageType    events.MessageType
	MessageID      string
	GatewayID      string
	DeliveryTag    uint64
	UpdatedTime    time.Time
	Redelivered    bool
	RoutingKey     string
	SubscriptionID string

	sub     *Subscriber
	gen     uint64
	autoAck bool
	settled atomic.Bool
}

// AutoAck reports whether the broker already considers this delivery
// acknowledged.
func (d *DeliveryContext) AutoAck() bool {
	return d.autoAck
}

// Ack acknowledges the delivery. Only the first Ack or Nack has any effect,
// and both are no-ops under auto-ack.
func (d *DeliveryContext) Ack() {
	if d.autoAck || d.sub == nil || !d.settled.CompareAndSwap(false, true) {
		return
	}
	d.sub.settle(d.gen, d.DeliveryTag, false, false)
}

// Nack rejects the delivery. With requeue the broker redelivers it;
// without, it is dead-lettered or dropped.
func (d *DeliveryContext) Nack(requeue bool) {
	if d.autoAck || d.sub == nil || !d.settled.CompareAndSwap(false, true) {
		return
	}
	d.sub.settle(d.gen, d.DeliveryTag, true, requeue)
}
