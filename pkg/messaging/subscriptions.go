package messaging

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// SubscriptionState is the lifecycle state of a subscription.
type SubscriptionState string

const (
	StateCreated   SubscriptionState = "CREATED"
	StateBound     SubscriptionState = "BOUND"
	StateConsuming SubscriptionState = "CONSUMING"
	StateStopped   SubscriptionState = "STOPPED"
)

// Subscription is a snapshot of one Listen call.
type Subscription struct {
	ID          string
	Queue       string   // requested queue name, empty for broker-named
	BoundQueue  string   // name the broker actually declared
	RoutingKeys []string // sorted
	Durable     bool
	Exclusive   bool
	AutoAck     bool
	ConsumerTag string
	State       SubscriptionState
}

// ownsQueue reports whether StopListen should delete the queue.
func (s *Subscription) ownsQueue() bool {
	return !s.Durable && (s.Queue == "" || s.Exclusive)
}

// SubscriptionID derives the id for a (queue, routing keys) pair. Key order
// and duplicates do not change the id.
func SubscriptionID(queue string, routingKeys []string) string {
	keys := canonicalKeys(routingKeys)
	sum := xxhash.Sum64String(queue + "|" + strings.Join(keys, ","))
	return strconv.FormatUint(sum, 16)
}

func canonicalKeys(routingKeys []string) []string {
	keys := make([]string, 0, len(routingKeys))
	seen := make(map[string]bool, len(routingKeys))
	for _, k := range routingKeys {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// SubscriptionRegistry tracks live subscriptions for one Subscriber.
type SubscriptionRegistry struct {
	mu   sync.Mutex
	subs map[string]*Subscription
}

// NewSubscriptionRegistry creates an empty registry.
func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{subs: make(map[string]*Subscription)}
}

// Add records sub, or returns DuplicateSubscriptionError if its id is taken.
func (r *SubscriptionRegistry) Add(sub *Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.subs[sub.ID]; exists {
		return &DuplicateSubscriptionError{ID: sub.ID, Queue: sub.Queue, RoutingKeys: sub.RoutingKeys}
	}
	r.subs[sub.ID] = sub
	return nil
}

// Remove deletes and returns the subscription with the given id.
func (r *SubscriptionRegistry) Remove(id string) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if ok {
		delete(r.subs, id)
	}
	return sub, ok
}

// Get returns a copy of the subscription with the given id.
func (r *SubscriptionRegistry) Get(id string) (Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return Subscription{}, false
	}
	return sub.snapshot(), true
}

// List returns copies of all subscriptions ordered by id.
func (r *SubscriptionRegistry) List() []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, sub.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// update applies fn to the live subscription under the registry lock.
// It reports false if the subscription is gone.
func (r *SubscriptionRegistry) update(id string, fn func(*Subscription)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if ok {
		fn(sub)
	}
	return ok
}

// Len returns the number of live subscriptions.
func (r *SubscriptionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

func (s *Subscription) snapshot() Subscription {
	cp := *s
	cp.RoutingKeys = append([]string(nil), s.RoutingKeys...)
	return cp
}
