package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/chanwire/chanwire/internal/observability"
)

const (
	// DefaultReceiveTimeout bounds each listener read so the listener stays
	// responsive to shutdown instead of blocking on the connection.
	DefaultReceiveTimeout = time.Second

	// DefaultRetryInterval is the pause after a listener transport error.
	DefaultRetryInterval = time.Second
)

// Options tunes a broker-backed channel. The zero value uses defaults.
type Options struct {
	// BufferSize is the per-subscriber queue capacity.
	BufferSize int

	// ReceiveTimeout bounds each listener read.
	ReceiveTimeout time.Duration

	// RetryInterval is the pause before retrying after a listener error.
	RetryInterval time.Duration

	// Metrics, if set, records publish/delivery/drop counts.
	Metrics *observability.Metrics
}

func (o *Options) applyDefaults() {
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.ReceiveTimeout <= 0 {
		o.ReceiveTimeout = DefaultReceiveTimeout
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = DefaultRetryInterval
	}
}

// publisher is the command side of the broker connection. Satisfied by
// *redis.Client; tests inject a recording fake.
type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// subscriberConn is the pub/sub side of the broker connection. Satisfied by
// *redis.PubSub; tests inject a recording fake.
type subscriberConn interface {
	Subscribe(ctx context.Context, channels ...string) error
	Unsubscribe(ctx context.Context, channels ...string) error
	PSubscribe(ctx context.Context, patterns ...string) error
	PUnsubscribe(ctx context.Context, patterns ...string) error
	ReceiveTimeout(ctx context.Context, timeout time.Duration) (interface{}, error)
	Close() error
}

// RedisChannel implements Channel over standalone Redis pub/sub.
//
// The Redis pub/sub protocol multiplexes every subscribed topic onto one
// connection, and that connection tolerates only a single reader. The channel
// therefore runs exactly one listener goroutine which drains frames, decodes
// each one once and fans it out to the per-subscriber queues registered for
// the frame's topic or pattern. Subscriber queues are bounded; a full queue
// drops the message for that subscriber so one stalled consumer can never
// hold up the listener or its peers.
//
// Broker-side subscriptions are ref-counted: SUBSCRIBE is issued when the
// first local subscriber of a topic registers and UNSUBSCRIBE when the last
// one leaves.
type RedisChannel struct {
	url  string
	opts Options

	mu        sync.RWMutex
	client    publisher
	pubsub    subscriberConn
	connected bool
	closed    bool
	done      chan struct{} // closed on Close, wakes subscriber cleanup

	subs  map[string]subscriberSet // topic -> subscribers
	psubs map[string]subscriberSet // pattern -> subscribers

	listenerRunning bool
	listenerCancel  context.CancelFunc
	listenerWG      sync.WaitGroup

	// dial establishes the broker connection. Replaced in tests.
	dial func(ctx context.Context) (publisher, subscriberConn, error)
}

// NewRedisChannel creates a channel for the given standalone Redis URL, e.g.
// redis://[:password@]host:port/db. The connection is established lazily on
// first use.
func NewRedisChannel(rawURL string, opts Options) (*RedisChannel, error) {
	ropts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("channel: invalid redis url %q: %w", maskURL(rawURL), err)
	}
	opts.applyDefaults()

	c := &RedisChannel{
		url:   rawURL,
		opts:  opts,
		subs:  make(map[string]subscriberSet),
		psubs: make(map[string]subscriberSet),
	}
	c.dial = func(ctx context.Context) (publisher, subscriberConn, error) {
		client := redis.NewClient(ropts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		// The pub/sub handle starts without subscriptions; topics are
		// added as subscribers register.
		return client, client.Subscribe(ctx), nil
	}
	return c, nil
}

// connectLocked establishes the connection if needed. Caller holds c.mu.
func (c *RedisChannel) connectLocked(ctx context.Context) error {
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
	log.Debug().Str("url", maskURL(c.url)).Msg("Channel connected")
	return nil
}

// Publish sends msg to topic. A closed channel transparently reconnects.
func (c *RedisChannel) Publish(ctx context.Context, topic string, msg Message) error {
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

	if err := client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("channel: publish to %q: %w", topic, err)
	}
	if m := c.opts.Metrics; m != nil {
		m.MessagePublished(topic)
	}
	return nil
}

// Subscribe registers a new subscriber for topic.
func (c *RedisChannel) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	return c.addSubscriber(ctx, topic, false)
}

// PSubscribe registers a new subscriber for a server-side glob pattern.
func (c *RedisChannel) PSubscribe(ctx context.Context, pattern string) (<-chan Message, error) {
	return c.addSubscriber(ctx, pattern, true)
}

func (c *RedisChannel) addSubscriber(ctx context.Context, key string, pattern bool) (<-chan Message, error) {
	if key == "" {
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

	table := c.subs
	if pattern {
		table = c.psubs
	}
	set, ok := table[key]
	if !ok {
		set = make(subscriberSet)
		table[key] = set
	}

	sub := newSubscriber(c.opts.BufferSize)
	first := len(set) == 0
	set[sub] = struct{}{}

	if first {
		var err error
		if pattern {
			err = c.pubsub.PSubscribe(ctx, key)
		} else {
			err = c.pubsub.Subscribe(ctx, key)
		}
		if err != nil {
			delete(set, sub)
			delete(table, key)
			c.mu.Unlock()
			return nil, fmt.Errorf("channel: subscribe %q: %w", key, err)
		}
		log.Debug().Str("topic", key).Bool("pattern", pattern).Msg("Channel subscribed")
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
		c.removeSubscriber(key, sub, pattern)
	}()

	return sub.ch, nil
}

// removeSubscriber drops one subscriber and, when it was the last for its
// topic or pattern, tears down the broker-side subscription.
func (c *RedisChannel) removeSubscriber(key string, sub *subscriber, pattern bool) {
	removed := false

	c.mu.Lock()
	table := c.subs
	if pattern {
		table = c.psubs
	}
	if set, ok := table[key]; ok {
		if _, member := set[sub]; member {
			delete(set, sub)
			removed = true
			if len(set) == 0 {
				delete(table, key)
				c.brokerUnsubscribeLocked(key, pattern)
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

// brokerUnsubscribeLocked issues UNSUBSCRIBE/PUNSUBSCRIBE. Caller holds c.mu.
// Failures are logged only: the local registration is already gone and the
// broker connection may be mid-teardown.
func (c *RedisChannel) brokerUnsubscribeLocked(key string, pattern bool) {
	if c.pubsub == nil {
		return
	}
	var err error
	if pattern {
		err = c.pubsub.PUnsubscribe(context.Background(), key)
	} else {
		err = c.pubsub.Unsubscribe(context.Background(), key)
	}
	if err != nil {
		log.Warn().Err(err).Str("topic", key).Msg("Channel unsubscribe failed")
		return
	}
	log.Debug().Str("topic", key).Bool("pattern", pattern).Msg("Channel unsubscribed")
}

// Unsubscribe tears down every subscription to topic. Normal teardown happens
// via subscriber context cancellation; this is the explicit escape hatch.
func (c *RedisChannel) Unsubscribe(ctx context.Context, topic string) error {
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
		c.brokerUnsubscribeLocked(topic, false)
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

// startListenerLocked starts the listener goroutine if it is not already
// running. Caller holds c.mu.
func (c *RedisChannel) startListenerLocked() {
	if c.listenerRunning {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.listenerCancel = cancel
	c.listenerRunning = true
	c.listenerWG.Add(1)
	go c.listen(ctx, c.pubsub)
}

// listen is the single reader of the pub/sub connection. It drains frames
// with a bounded timeout, decodes each once and fans it out. Transport errors
// pause and retry rather than killing every subscription over a broker blip.
func (c *RedisChannel) listen(ctx context.Context, conn subscriberConn) {
	defer c.listenerWG.Done()
	defer func() {
		c.mu.Lock()
		c.listenerRunning = false
		c.mu.Unlock()
		log.Debug().Msg("Channel listener stopped")
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
			log.Warn().Err(err).Msg("Channel listener error, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.opts.RetryInterval):
			}
			continue
		}

		// Subscription confirmations and pongs carry no payload.
		if msg, ok := frame.(*redis.Message); ok {
			c.dispatch(msg)
		}
	}
}

// dispatch fans one inbound frame out to the subscribers registered for its
// topic (or, for pmessage frames, its pattern). The registration lock is held
// only to snapshot the set, never across the sends.
func (c *RedisChannel) dispatch(frame *redis.Message) {
	c.mu.RLock()
	var set subscriberSet
	if frame.Pattern != "" {
		set = c.psubs[frame.Pattern]
	} else {
		set = c.subs[frame.Channel]
	}
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
// streams. Idempotent. A subsequent Publish reconnects on demand.
func (c *RedisChannel) Close() error {
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
	for _, set := range c.psubs {
		for sub := range set {
			orphans = append(orphans, sub)
		}
	}
	c.subs = make(map[string]subscriberSet)
	c.psubs = make(map[string]subscriberSet)

	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	c.mu.Unlock()

	c.listenerWG.Wait()

	var err error
	if pubsub != nil {
		if cerr := pubsub.Close(); cerr != nil {
			log.Warn().Err(cerr).Msg("Closing pubsub handle failed")
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

	log.Debug().Str("url", maskURL(c.url)).Msg("Channel closed")
	return err
}

// topicCount reports how many topics and patterns currently have subscribers.
func (c *RedisChannel) topicCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs) + len(c.psubs)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// maskURL redacts credentials for diagnostic output.
func maskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, hasPassword := u.User.Password(); hasPassword {
		u.User = url.UserPassword(u.User.Username(), "***")
	} else if u.User.Username() != "" {
		// Password-in-place-of-username convenience form.
		u.User = url.User("***")
	}
	return u.String()
}
