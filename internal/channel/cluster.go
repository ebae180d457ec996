package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// shardPublisher is the command side of the cluster connection. Satisfied by
// *redis.ClusterClient; tests inject a recording fake.
type shardPublisher interface {
	SPublish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// shardSubscriberConn is the sharded pub/sub side of the cluster connection.
// Satisfied by *redis.PubSub obtained via ClusterClient.SSubscribe.
type shardSubscriberConn interface {
	SSubscribe(ctx context.Context, channels ...string) error
	SUnsubscribe(ctx context.Context, channels ...string) error
	ReceiveTimeout(ctx context.Context, timeout time.Duration) (interface{}, error)
	Close() error
}

// ClusterChannel implements Channel over Redis Cluster sharded pub/sub
// (SPUBLISH/SSUBSCRIBE, Redis 7.0+). Cluster topologies route pub/sub traffic
// by topic hash, so publish and subscribe go through the sharded primitives;
// the single-listener fan-out and ref-counting discipline is the same as
// RedisChannel's.
//
// Sharded pub/sub has no server-side wildcard matching, so PSubscribe fails
// with ErrNotSupported. Callers needing pattern matching must enumerate
// concrete topics.
type ClusterChannel struct {
	url  string
	opts Options

	mu        sync.RWMutex
	client    shardPublisher
	pubsub    shardSubscriberConn
	connected bool
	closed    bool
	done      chan struct{}

	subs map[string]subscriberSet

	listenerRunning bool
	listenerCancel  context.CancelFunc
	listenerWG      sync.WaitGroup

	dial func(ctx context.Context) (shardPublisher, shardSubscriberConn, error)
}

// NewClusterChannel creates a channel for the given cluster URL, e.g.
// redis-cluster://[[user:]password@]host:port. A bare userinfo component is
// treated as a password. The connection is established lazily on first use.
func NewClusterChannel(rawURL string, opts Options) (*ClusterChannel, error) {
	copts, err := parseClusterURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("channel: invalid cluster url %q: %w", maskURL(rawURL), err)
	}
	opts.applyDefaults()

	c := &ClusterChannel{
		url:  rawURL,
		opts: opts,
		subs: make(map[string]subscriberSet),
	}
	c.dial = func(ctx context.Context) (shardPublisher, shardSubscriberConn, error) {
		client := redis.NewClusterClient(copts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return client, client.SSubscribe(ctx), nil
	}
	return c, nil
}

// parseClusterURL normalizes the redis-cluster:// scheme and the
// password-in-place-of-username convenience form, then defers to go-redis.
func parseClusterURL(rawURL string) (*redis.ClusterOptions, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "redis-cluster":
		u.Scheme = "redis"
	case "redis", "rediss":
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.User != nil {
		if _, hasPassword := u.User.Password(); !hasPassword && u.User.Username() != "" {
			u.User = url.UserPassword("", u.User.Username())
		}
	}
	return redis.ParseClusterURL(u.String())
}

func (c *ClusterChannel) connectLocked(ctx context.Context) error {
	if c.connected {
		return nil
	}
	client, pubsub, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("channel: connect: %w", err)
	}
	c.client = client
	c.pubsub = pubsub
	c.connected = true
	c.closed = false
	c.done = make(chan struct{})
	log.Debug().Str("url", maskURL(c.url)).Msg("Cluster channel connected")
	return nil
}

// Publish sends msg to topic via SPUBLISH. A closed channel transparently
// reconnects.
func (c *ClusterChannel) Publish(ctx context.Context, topic string, msg Message) error {
	if topic == "" {
		return errEmptyTopic
	}

	c.mu.Lock()
	if err := c.connectLocked(ctx); err != nil {
		c.mu.Unlock()
		return err
	}
	client := c.client
	c.mu.Unlock()

	msg.Channel = topic
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("channel: encode message: %w", err)
	}

	if err := client.SPublish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("channel: publish to %q: %w", topic, err)
	}
	if m := c.opts.Metrics; m != nil {
		m.MessagePublished(topic)
	}
	return nil
}

// Subscribe registers a new subscriber for topic via SSUBSCRIBE.
func (c *ClusterChannel) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	if topic == "" {
		return nil, errEmptyTopic
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if err := c.connectLocked(ctx); err != nil {
		c.mu.Unlock()
		return nil, err
	}

	set, ok := c.subs[topic]
	if !ok {
		set = make(subscriberSet)
		c.subs[topic] = set
	}

	sub := newSubscriber(c.opts.BufferSize)
	first := len(set) == 0
	set[sub] = struct{}{}

	if first {
		if err := c.pubsub.SSubscribe(ctx, topic); err != nil {
			delete(set, sub)
			delete(c.subs, topic)
			c.mu.Unlock()
			return nil, fmt.Errorf("channel: subscribe %q: %w", topic, err)
		}
		log.Debug().Str("topic", topic).Msg("Cluster channel subscribed")
	}

	c.startListenerLocked()
	done := c.done
	c.mu.Unlock()

	if m := c.opts.Metrics; m != nil {
		m.SubscriptionOpened()
		m.SetTopics(c.topicCount())
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		c.removeSubscriber(topic, sub)
	}()

	return sub.ch, nil
}

// PSubscribe always fails: sharded pub/sub has no server-side pattern
// matching. The error is returned before any broker call.
func (c *ClusterChannel) PSubscribe(ctx context.Context, pattern string) (<-chan Message, error) {
	return nil, fmt.Errorf("%w: pattern subscriptions on redis cluster", ErrNotSupported)
}

func (c *ClusterChannel) removeSubscriber(topic string, sub *subscriber) {
	removed := false

	c.mu.Lock()
	if set, ok := c.subs[topic]; ok {
		if _, member := set[sub]; member {
			delete(set, sub)
			removed = true
			if len(set) == 0 {
				delete(c.subs, topic)
				c.brokerUnsubscribeLocked(topic)
			}
		}
	}
	c.mu.Unlock()

	sub.close()
	if removed {
		if m := c.opts.Metrics; m != nil {
			m.SubscriptionClosed()
			m.SetTopics(c.topicCount())
		}
	}
}

func (c *ClusterChannel) brokerUnsubscribeLocked(topic string) {
	if c.pubsub == nil {
		return
	}
	if err := c.pubsub.SUnsubscribe(context.Background(), topic); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("Cluster channel unsubscribe failed")
		return
	}
	log.Debug().Str("topic", topic).Msg("Cluster channel unsubscribed")
}

// Unsubscribe tears down every subscription to topic.
func (c *ClusterChannel) Unsubscribe(ctx context.Context, topic string) error {
	if topic == "" {
		return errEmptyTopic
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	set, ok := c.subs[topic]
	if ok {
		delete(c.subs, topic)
		c.brokerUnsubscribeLocked(topic)
	}
	c.mu.Unlock()

	for sub := range set {
		sub.close()
		if m := c.opts.Metrics; m != nil {
			m.SubscriptionClosed()
		}
	}
	if ok {
		if m := c.opts.Metrics; m != nil {
			m.SetTopics(c.topicCount())
		}
	}
	return nil
}

func (c *ClusterChannel) startListenerLocked() {
	if c.listenerRunning {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.listenerCancel = cancel
	c.listenerRunning = true
	c.listenerWG.Add(1)
	go c.listen(ctx, c.pubsub)
}

func (c *ClusterChannel) listen(ctx context.Context, conn shardSubscriberConn) {
	defer c.listenerWG.Done()
	defer func() {
		c.mu.Lock()
		c.listenerRunning = false
		c.mu.Unlock()
		log.Debug().Msg("Cluster channel listener stopped")
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		frame, err := conn.ReceiveTimeout(ctx, c.opts.ReceiveTimeout)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			if isTimeout(err) {
				continue
			}
			log.Warn().Err(err).Msg("Cluster channel listener error, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.opts.RetryInterval):
			}
			continue
		}

		if msg, ok := frame.(*redis.Message); ok {
			c.dispatch(msg)
		}
	}
}

func (c *ClusterChannel) dispatch(frame *redis.Message) {
	c.mu.RLock()
	set := c.subs[frame.Channel]
	targets := make([]*subscriber, 0, len(set))
	for sub := range set {
		targets = append(targets, sub)
	}
	c.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	msg, err := decodeMessage([]byte(frame.Payload), frame.Channel)
	if err != nil {
		log.Warn().Err(err).Str("topic", frame.Channel).Msg("Dropping undecodable channel frame")
		if m := c.opts.Metrics; m != nil {
			m.DecodeFailure()
		}
		return
	}

	for _, sub := range targets {
		if sub.send(msg) {
			if m := c.opts.Metrics; m != nil {
				m.MessageDelivered(msg.Channel)
			}
			continue
		}
		log.Warn().Str("topic", msg.Channel).Msg("Subscriber queue full, dropping message")
		if m := c.opts.Metrics; m != nil {
			m.MessageDropped(msg.Channel)
		}
	}
}

// Close stops the listener, releases the connection and ends all subscriber
// streams. Idempotent.
func (c *ClusterChannel) Close() error {
	c.mu.Lock()
	if c.closed && !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false

	if c.listenerCancel != nil {
		c.listenerCancel()
		c.listenerCancel = nil
	}

	pubsub, client := c.pubsub, c.client
	c.pubsub, c.client = nil, nil

	var orphans []*subscriber
	for _, set := range c.subs {
		for sub := range set {
			orphans = append(orphans, sub)
		}
	}
	c.subs = make(map[string]subscriberSet)

	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	c.mu.Unlock()

	c.listenerWG.Wait()

	var err error
	if pubsub != nil {
		if cerr := pubsub.Close(); cerr != nil {
			log.Warn().Err(cerr).Msg("Closing sharded pubsub handle failed")
		}
	}
	if client != nil {
		err = client.Close()
	}
	for _, sub := range orphans {
		sub.close()
	}
	if m := c.opts.Metrics; m != nil {
		for range orphans {
			m.SubscriptionClosed()
		}
		m.SetTopics(0)
	}

	log.Debug().Str("url", maskURL(c.url)).Msg("Cluster channel closed")
	return err
}

func (c *ClusterChannel) topicCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}
