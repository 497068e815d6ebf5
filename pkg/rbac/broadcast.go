package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/haulbase/haulbase/pkg/observability"
)

// DefaultInvalidationChannel is the pub/sub channel used by BroadcastCache
const DefaultInvalidationChannel = "authz:invalidations"

// invalidationMessage is published for every Delete or Clear
type invalidationMessage struct {
	Origin  string  `json:"origin"`
	UserIDs []int64 `json:"user_ids,omitempty"`
	All     bool    `json:"all,omitempty"`
}

// BroadcastCache keeps entries in a per-instance cache and publishes every
// invalidation over Redis pub/sub so the other instances drop their copies
// too. Reads never touch Redis.
type BroadcastCache struct {
	local   PermissionCache
	client  *redis.Client
	channel string
	origin  string
	logger  *observability.Logger

	mu          sync.Mutex
	pubsub      *redis.PubSub
	done        chan struct{}
	beforeApply func(msg invalidationMessage)
}

// NewBroadcastCache wraps local with pub/sub invalidation on channel
func NewBroadcastCache(local PermissionCache, client *redis.Client, channel string, logger *observability.Logger) *BroadcastCache {
	if channel == "" {
		channel = DefaultInvalidationChannel
	}
	if logger == nil {
		logger = observability.NewDiscardLogger()
	}
	origin := uuid.NewString()
	return &BroadcastCache{
		local:   local,
		client:  client,
		channel: channel,
		origin:  origin,
		logger:  logger.WithField("cache_instance", origin),
	}
}

// Origin returns the instance ID attached to published messages
func (c *BroadcastCache) Origin() string {
	return c.origin
}

// Get implements PermissionCache
func (c *BroadcastCache) Get(ctx context.Context, userID int64) (CacheEntry, bool, error) {
	return c.local.Get(ctx, userID)
}

// Set implements PermissionCache
func (c *BroadcastCache) Set(ctx context.Context, userID int64, entry CacheEntry) error {
	return c.local.Set(ctx, userID, entry)
}

// Delete drops the entries locally, then tells the other instances
func (c *BroadcastCache) Delete(ctx context.Context, userIDs ...int64) error {
	if len(userIDs) == 0 {
		return nil
	}
	if err := c.local.Delete(ctx, userIDs...); err != nil {
		return err
	}
	return c.publish(ctx, invalidationMessage{Origin: c.origin, UserIDs: userIDs})
}

// Clear drops every local entry, then tells the other instances
func (c *BroadcastCache) Clear(ctx context.Context) error {
	if err := c.local.Clear(ctx); err != nil {
		return err
	}
	return c.publish(ctx, invalidationMessage{Origin: c.origin, All: true})
}

func (c *BroadcastCache) publish(ctx context.Context, msg invalidationMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal invalidation: %w", err)
	}
	if err := c.client.Publish(ctx, c.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish invalidation: %w", err)
	}
	return nil
}

// Start subscribes to the invalidation channel and applies remote
// invalidations until Close is called. It returns once the subscription is
// confirmed by the server.
func (c *BroadcastCache) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pubsub != nil {
		return fmt.Errorf("invalidation subscriber already started")
	}

	pubsub := c.client.Subscribe(ctx, c.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", c.channel, err)
	}

	c.pubsub = pubsub
	c.done = make(chan struct{})
	go c.listen(pubsub.Channel(), c.done)

	c.logger.WithField("channel", c.channel).Info("Listening for permission cache invalidations")
	return nil
}

func (c *BroadcastCache) listen(messages <-chan *redis.Message, done chan struct{}) {
	defer close(done)
	defer observability.RecoverPanic(c.logger, "invalidation listener")

	for m := range messages {
		var msg invalidationMessage
		if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
			c.logger.WithError(err).Warn("Ignoring malformed invalidation message")
			continue
		}
		if msg.Origin == c.origin {
			continue
		}

		c.mu.Lock()
		before := c.beforeApply
		c.mu.Unlock()
		if before != nil {
			before(msg)
		}

		ctx := context.Background()
		var err error
		if msg.All {
			err = c.local.Clear(ctx)
		} else {
			err = c.local.Delete(ctx, msg.UserIDs...)
		}
		if err != nil {
			c.logger.WithError(err).Error("Failed to apply remote invalidation")
		}
	}
}

// OnRemoteInvalidation registers fn to run before each remote invalidation
// is applied to the local cache
func (c *BroadcastCache) OnRemoteInvalidation(fn func(userIDs []int64, all bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.beforeApply = func(msg invalidationMessage) { fn(msg.UserIDs, msg.All) }
}

// Close stops the subscriber and waits for it to exit
func (c *BroadcastCache) Close() error {
	c.mu.Lock()
	pubsub, done := c.pubsub, c.done
	c.pubsub, c.done = nil, nil
	c.mu.Unlock()

	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	<-done
	return err
}
