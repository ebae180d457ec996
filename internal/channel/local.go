package channel

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// LocalChannel implements Channel with pure in-process fan-out. It is the
// fallback backend when no broker URL is configured and only reaches
// subscribers within the same process.
//
// Pattern subscriptions are matched client-side with the same glob semantics
// Redis applies server-side, so single-instance development behaves like the
// broker-backed deployment.
type LocalChannel struct {
	opts Options

	mu     sync.RWMutex
	closed bool
	done   chan struct{}

	subs  map[string]subscriberSet
	psubs map[string]subscriberSet
}

// NewLocalChannel creates an in-process channel.
func NewLocalChannel(opts Options) *LocalChannel {
	opts.applyDefaults()
	return &LocalChannel{
		opts:  opts,
		done:  make(chan struct{}),
		subs:  make(map[string]subscriberSet),
		psubs: make(map[string]subscriberSet),
	}
}

// Publish delivers msg to all subscribers of topic and to all pattern
// subscribers whose pattern matches it.
func (c *LocalChannel) Publish(ctx context.Context, topic string, msg Message) error {
	if topic == "" {
		return errEmptyTopic
	}

	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*subscriber, 0, len(c.subs[topic]))
	for sub := range c.subs[topic] {
		targets = append(targets, sub)
	}
	for pattern, set := range c.psubs {
		if matchPattern(pattern, topic) {
			for sub := range set {
				targets = append(targets, sub)
			}
		}
	}
	c.mu.RUnlock()

	msg.Channel = topic
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	for _, sub := range targets {
		if sub.send(msg) {
			if m := c.opts.Metrics; m != nil {
				m.MessageDelivered(topic)
			}
			continue
		}
		log.Warn().Str("topic", topic).Msg("Subscriber queue full, dropping message")
		if m := c.opts.Metrics; m != nil {
			m.MessageDropped(topic)
		}
	}
	if m := c.opts.Metrics; m != nil {
		m.MessagePublished(topic)
	}
	return nil
}

// Subscribe registers a new subscriber for topic.
func (c *LocalChannel) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	return c.addSubscriber(ctx, topic, false)
}

// PSubscribe registers a new subscriber for a glob pattern.
func (c *LocalChannel) PSubscribe(ctx context.Context, pattern string) (<-chan Message, error) {
	return c.addSubscriber(ctx, pattern, true)
}

func (c *LocalChannel) addSubscriber(ctx context.Context, key string, pattern bool) (<-chan Message, error) {
	if key == "" {
		return nil, errEmptyTopic
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
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
	set[sub] = struct{}{}
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

func (c *LocalChannel) removeSubscriber(key string, sub *subscriber, pattern bool) {
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

// Unsubscribe tears down every subscription to topic.
func (c *LocalChannel) Unsubscribe(ctx context.Context, topic string) error {
	if topic == "" {
		return errEmptyTopic
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	set := c.subs[topic]
	delete(c.subs, topic)
	c.mu.Unlock()

	for sub := range set {
		sub.close()
		if m := c.opts.Metrics; m != nil {
			m.SubscriptionClosed()
		}
	}
	if m := c.opts.Metrics; m != nil {
		m.SetTopics(c.topicCount())
	}
	return nil
}

// Close ends all subscriber streams. Idempotent; the local backend has no
// connection to re-establish, so later calls fail with ErrClosed.
func (c *LocalChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true

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
	close(c.done)
	c.mu.Unlock()

	for _, sub := range orphans {
		sub.close()
	}
	if m := c.opts.Metrics; m != nil {
		for range orphans {
			m.SubscriptionClosed()
		}
		m.SetTopics(0)
	}
	return nil
}

func (c *LocalChannel) topicCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs) + len(c.psubs)
}
