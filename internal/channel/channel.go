// Package channel provides a broker-backed publish/subscribe channel
// abstraction. A single Channel instance is shared by all producers and
// consumers in the process: one physical broker connection fans messages out
// to any number of independent subscribers, each consuming at its own pace.
//
// Backends:
//   - RedisChannel: standalone Redis pub/sub (supports pattern subscriptions)
//   - ClusterChannel: Redis Cluster sharded pub/sub (no pattern subscriptions)
//   - LocalChannel: in-process fan-out for single-instance deployments
//
// Use New to select a backend from configuration.
package channel

import (
	"context"
	"errors"
)

var (
	// ErrNotSupported is returned when a backend cannot provide the
	// requested operation (e.g. pattern subscriptions on Redis Cluster).
	ErrNotSupported = errors.New("channel: operation not supported by this backend")

	// ErrClosed is returned for operations attempted after Close.
	ErrClosed = errors.New("channel: closed")

	// errEmptyTopic guards against accidental empty-string topics, which
	// would otherwise create a broker subscription nothing can publish to.
	errEmptyTopic = errors.New("channel: topic must not be empty")
)

// Channel is the capability contract implemented by every backend.
// Implementations are safe for concurrent use.
type Channel interface {
	// Publish sends msg to all subscribers of topic. The message's Channel
	// field is set by the implementation; a zero Timestamp is defaulted.
	// Transport failures propagate to the caller, which decides on retry.
	Publish(ctx context.Context, topic string, msg Message) error

	// Subscribe returns a stream of messages published to topic. Each call
	// creates an independent subscription with its own bounded buffer;
	// cancelling ctx tears the subscription down and closes the stream.
	// A subscriber that stops draining its stream has messages dropped for
	// it rather than stalling other subscribers.
	Subscribe(ctx context.Context, topic string) (<-chan Message, error)

	// PSubscribe is Subscribe with server-side glob matching of topics.
	// Backends without pattern support fail fast with ErrNotSupported
	// before any broker call.
	PSubscribe(ctx context.Context, pattern string) (<-chan Message, error)

	// Unsubscribe tears down all subscriptions to topic. Normal teardown
	// happens implicitly when subscriber contexts are cancelled; this
	// exists for callers and tests that need explicit control.
	Unsubscribe(ctx context.Context, topic string) error

	// Close stops the listener, releases the broker connection and ends
	// all subscriber streams. It is idempotent and safe to call
	// concurrently with in-flight operations.
	Close() error
}
