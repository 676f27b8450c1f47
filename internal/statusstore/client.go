package statusstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultTimelineLength is the number of timeline entries kept per entity.
const DefaultTimelineLength = 100

// applyScript writes a record unless the stored one is newer.
//
// KEYS: status hash, timeline zset, experiment index set
// ARGV: updated_at_ms, timeline member, timeline length, index member,
// channel, event payload, then field/value pairs for the hash
var applyScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'updated_at_ms')
if current and tonumber(current) > tonumber(ARGV[1]) then
  return 0
end
for i = 7, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[2])
local limit = tonumber(ARGV[3])
if limit > 0 then
  redis.call('ZREMRANGEBYRANK', KEYS[2], 0, -limit - 1)
end
redis.call('SADD', KEYS[3], ARGV[4])
redis.call('PUBLISH', ARGV[5], ARGV[6])
return 1
`)

// Client provides namespaced Redis operations for the status store.
// The client is safe for concurrent use.
type Client struct {
	rdb            *redis.Client
	namespace      string
	timelineLength int
}

// NewClient creates a status store client for the given namespace.
// Returns an error if namespace is empty.
func NewClient(redisOpts *redis.Options, namespace string) (*Client, error) {
	if namespace == "" {
		return nil, fmt.Errorf("namespace cannot be empty")
	}

	return &Client{
		rdb:            redis.NewClient(redisOpts),
		namespace:      namespace,
		timelineLength: DefaultTimelineLength,
	}, nil
}

// NewClientFromURL parses a redis:// URL and creates a client.
func NewClientFromURL(redisURL, namespace string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	return NewClient(opts, namespace)
}

// WithTimelineLength sets how many timeline entries are kept per entity.
// Zero keeps all of them.
func (c *Client) WithTimelineLength(n int) *Client {
	c.timelineLength = n
	return c
}

// Namespace returns the key namespace.
func (c *Client) Namespace() string {
	return c.namespace
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Apply stores r as the latest state of its entity unless a newer update
// is already stored. It reports whether r was applied. Applied updates are
// appended to the timeline, indexed under their experiment and published on
// the status events channel.
func (c *Client) Apply(ctx context.Context, r *Record) (bool, error) {
	if err := r.Validate(); err != nil {
		return false, fmt.Errorf("invalid record: %w", err)
	}

	payload, err := json.Marshal(r)
	if err != nil {
		return false, fmt.Errorf("failed to marshal record for event: %w", err)
	}

	keys := []string{
		StatusKey(c.namespace, r.GatewayID, r.Entity, r.ID),
		TimelineKey(c.namespace, r.GatewayID, r.Entity, r.ID),
		ExperimentIndexKey(c.namespace, r.GatewayID, r.ExperimentID),
	}
	args := []interface{}{
		r.UpdatedAtMs,
		TimelineMember(r),
		c.timelineLength,
		indexMember(r.Entity, r.ID),
		StatusEventsChannel(c.namespace),
		string(payload),
	}
	args = append(args, hashArgs(r)...)

	applied, err := applyScript.Run(ctx, c.rdb, keys, args...).Int()
	if err != nil {
		return false, fmt.Errorf("failed to apply status to Redis: %w", err)
	}
	return applied == 1, nil
}

// Get retrieves the latest state of one entity.
// Returns (nil, redis.Nil) if nothing has been recorded; use IsNotFound.
func (c *Client) Get(ctx context.Context, gateway string, entity Entity, id string) (*Record, error) {
	hashData, err := c.rdb.HGetAll(ctx, StatusKey(c.namespace, gateway, entity, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read status from Redis: %w", err)
	}
	if len(hashData) == 0 {
		return nil, redis.Nil
	}

	r, err := HashToRecord(hashData)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize status: %w", err)
	}
	return r, nil
}

// ListExperiment returns every recorded entity of an experiment, the
// experiment itself first, then processes, tasks and jobs, each ordered by
// id.
func (c *Client) ListExperiment(ctx context.Context, gateway, experimentID string) ([]*Record, error) {
	members, err := c.rdb.SMembers(ctx, ExperimentIndexKey(c.namespace, gateway, experimentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read experiment index: %w", err)
	}

	pipe := c.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, 0, len(members))
	for _, m := range members {
		entity, id, ok := cutMember(m)
		if !ok {
			continue
		}
		cmds = append(cmds, pipe.HGetAll(ctx, StatusKey(c.namespace, gateway, entity, id)))
	}
	if len(cmds) == 0 {
		return []*Record{}, nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read experiment statuses: %w", err)
	}

	records := make([]*Record, 0, len(cmds))
	for _, cmd := range cmds {
		h := cmd.Val()
		if len(h) == 0 {
			continue
		}
		r, err := HashToRecord(h)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize status: %w", err)
		}
		records = append(records, r)
	}

	sort.Slice(records, func(i, j int) bool {
		if rank[records[i].Entity] != rank[records[j].Entity] {
			return rank[records[i].Entity] < rank[records[j].Entity]
		}
		return records[i].ID < records[j].ID
	})
	return records, nil
}

// Timeline returns an entity's recorded states, oldest first.
func (c *Client) Timeline(ctx context.Context, gateway string, entity Entity, id string) ([]TimelineEntry, error) {
	zs, err := c.rdb.ZRangeWithScores(ctx, TimelineKey(c.namespace, gateway, entity, id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read timeline: %w", err)
	}

	entries := make([]TimelineEntry, 0, len(zs))
	for _, z := range zs {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		e, err := ParseTimelineMember(member, z.Score)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Subscription delivers applied status updates.
// Caller must call Close() when done.
type Subscription struct {
	records <-chan *Record
	errors  <-chan error
	cancel  func()
	once    sync.Once
}

// Records returns the channel of applied updates. It is closed when the
// subscription ends.
func (s *Subscription) Records() <-chan *Record {
	return s.records
}

// Errors returns the channel of non-fatal errors; the subscription skips
// the offending message and continues.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription. Safe to call multiple times.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// SubscribeStatus follows applied updates for this namespace. Delivery is
// at-most-once: updates published while nobody listens are not replayed.
func (c *Client) SubscribeStatus(ctx context.Context) (*Subscription, error) {
	pubsub := c.rdb.Subscribe(ctx, StatusEventsChannel(c.namespace))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to status events: %w", err)
	}

	recordsChan := make(chan *Record, 10)
	errorsChan := make(chan error, 10)
	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(recordsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var r Record
				if err := json.Unmarshal([]byte(msg.Payload), &r); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal status event: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case recordsChan <- &r:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		records: recordsChan,
		errors:  errorsChan,
		cancel:  cancelFunc,
	}, nil
}

// IsNotFound returns true if the error is a Redis "key not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}

func cutMember(m string) (Entity, string, bool) {
	entity, id, ok := strings.Cut(m, ":")
	if !ok || id == "" || Entity(entity).Validate() != nil {
		return "", "", false
	}
	return Entity(entity), id, true
}
