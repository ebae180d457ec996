package channel

import (
	"fmt"
	"net/url"

	"github.com/rs/zerolog/log"

	"github.com/chanwire/chanwire/internal/config"
	"github.com/chanwire/chanwire/internal/observability"
)

// New creates the channel backend selected by the configured URL:
//
//   - empty URL: in-process fan-out (single instance mode)
//   - redis:// or rediss://: standalone Redis pub/sub
//   - redis-cluster://: Redis Cluster sharded pub/sub
func New(cfg *config.ChannelConfig, metrics *observability.Metrics) (Channel, error) {
	opts := Options{
		BufferSize:     cfg.BufferSize,
		ReceiveTimeout: cfg.ReceiveTimeout,
		RetryInterval:  cfg.RetryInterval,
		Metrics:        metrics,
	}

	if cfg.URL == "" {
		log.Info().Msg("Using in-process channel (single instance mode)")
		return NewLocalChannel(opts), nil
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("channel: invalid url %q: %w", maskURL(cfg.URL), err)
	}

	switch u.Scheme {
	case "redis", "rediss":
		log.Info().Str("url", maskURL(cfg.URL)).Msg("Using Redis channel")
		return NewRedisChannel(cfg.URL, opts)

	case "redis-cluster":
		log.Info().Str("url", maskURL(cfg.URL)).Msg("Using Redis Cluster channel")
		return NewClusterChannel(cfg.URL, opts)

	default:
		return nil, fmt.Errorf("channel: unsupported url scheme %q (valid schemes: redis, rediss, redis-cluster)", u.Scheme)
	}
}
