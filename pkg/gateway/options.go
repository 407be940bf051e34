package gateway

import (
	"fmt"
	"net/http"
	"time"

	"github.com/PentesterFlow/OpenGateway/internal/discovery"
	"github.com/PentesterFlow/OpenGateway/internal/logger"
	"github.com/PentesterFlow/OpenGateway/internal/mapping"
	"github.com/PentesterFlow/OpenGateway/internal/metrics"
)

// Option is a functional option for configuring the Gateway.
type Option func(*Gateway) error

// WithConfig replaces the whole configuration.
func WithConfig(config *Config) Option {
	return func(g *Gateway) error {
		if config == nil {
			return fmt.Errorf("config is nil")
		}
		g.config = config
		return nil
	}
}

// WithListen sets the listen address.
func WithListen(addr string) Option {
	return func(g *Gateway) error {
		g.config.Server.Listen = addr
		return nil
	}
}

// WithEnvironment sets the deployment environment.
func WithEnvironment(env string) Option {
	return func(g *Gateway) error {
		g.config.Environment = env
		return nil
	}
}

// WithRateLimit enables the rate-limit gate with a ceiling and an
// optional burst.
func WithRateLimit(requestsPerMinute, burst int) Option {
	return func(g *Gateway) error {
		if requestsPerMinute < 1 {
			requestsPerMinute = 1
		}
		g.config.RateLimit.Enabled = true
		g.config.RateLimit.RequestsPerMinute = requestsPerMinute
		g.config.RateLimit.BurstSize = burst
		return nil
	}
}

// WithoutRateLimit disables the rate-limit gate.
func WithoutRateLimit() Option {
	return func(g *Gateway) error {
		g.config.RateLimit.Enabled = false
		return nil
	}
}

// WithClientHeader sets the header identifying clients.
func WithClientHeader(name string) Option {
	return func(g *Gateway) error {
		g.config.RateLimit.ClientHeader = name
		return nil
	}
}

// WithCache enables the response cache.
func WithCache(ttl time.Duration, maxEntries int) Option {
	return func(g *Gateway) error {
		g.config.Cache.Enabled = true
		g.config.Cache.TTL = ttl
		g.config.Cache.MaxEntries = maxEntries
		return nil
	}
}

// WithoutCache disables the response cache.
func WithoutCache() Option {
	return func(g *Gateway) error {
		g.config.Cache.Enabled = false
		return nil
	}
}

// WithForwardTimeout sets the backend call timeout.
func WithForwardTimeout(timeout time.Duration) Option {
	return func(g *Gateway) error {
		g.config.Forward.Timeout = timeout
		return nil
	}
}

// WithExternalTool configures the external analysis service.
func WithExternalTool(cfg discovery.ExternalConfig) Option {
	return func(g *Gateway) error {
		g.config.ExternalTool = cfg
		return nil
	}
}

// WithDiscovery sets the candidate threshold and target base URL.
func WithDiscovery(threshold float64, targetBaseURL string) Option {
	return func(g *Gateway) error {
		g.config.Discovery.Threshold = threshold
		g.config.Discovery.TargetBaseURL = targetBaseURL
		return nil
	}
}

// WithStorePath persists mappings in a bbolt file.
func WithStorePath(path string) Option {
	return func(g *Gateway) error {
		g.config.Store.Path = path
		return nil
	}
}

// WithStore uses an existing store. The gateway does not close it.
func WithStore(store *mapping.Store) Option {
	return func(g *Gateway) error {
		g.store = store
		return nil
	}
}

// WithMappings adds seed mappings.
func WithMappings(mappings ...mapping.ApiMapping) Option {
	return func(g *Gateway) error {
		g.config.Mappings = append(g.config.Mappings, mappings...)
		return nil
	}
}

// WithSeedFile seeds mappings from a YAML file.
func WithSeedFile(path string) Option {
	return func(g *Gateway) error {
		g.config.SeedFile = path
		return nil
	}
}

// WithAdminPrefix sets the admin mount point.
func WithAdminPrefix(prefix string) Option {
	return func(g *Gateway) error {
		g.config.AdminPrefix = prefix
		return nil
	}
}

// WithNext sets the handler unmapped requests fall through to.
func WithNext(next http.Handler) Option {
	return func(g *Gateway) error {
		g.next = next
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *logger.Logger) Option {
	return func(g *Gateway) error {
		g.logger = l
		return nil
	}
}

// WithLogLevel sets the log level.
func WithLogLevel(level string) Option {
	return func(g *Gateway) error {
		if _, err := logger.ParseLevel(level); err != nil {
			return fmt.Errorf("invalid log level %q", level)
		}
		g.config.Log.Level = level
		return nil
	}
}

// WithMetrics sets a custom metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(g *Gateway) error {
		g.metrics = m
		return nil
	}
}
