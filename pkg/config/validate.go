// Package config loads and validates service configuration.
package config

import (
	"fmt"
	"strings"
)

// Validate ensures critical configuration is present and internally consistent.
func (c *Config) Validate() error {
	var problems []string

	switch c.Store.Driver {
	case "postgres":
		if strings.TrimSpace(c.Database.URL) == "" {
			problems = append(problems, "DATABASE_URL")
		}
	case "memory":
	default:
		problems = append(problems, fmt.Sprintf("STORE_DRIVER (unknown %q)", c.Store.Driver))
	}

	switch c.Store.QueueDriver {
	case "redis":
		if strings.TrimSpace(c.Redis.URL) == "" {
			problems = append(problems, "REDIS_URL")
		}
	case "memory":
	default:
		problems = append(problems, fmt.Sprintf("QUEUE_DRIVER (unknown %q)", c.Store.QueueDriver))
	}

	if c.Events.BridgeEnabled && c.Store.QueueDriver != "redis" {
		problems = append(problems, "EVENTS_BRIDGE_ENABLED requires QUEUE_DRIVER=redis")
	}
	if strings.TrimSpace(c.Server.Port) == "" {
		problems = append(problems, "SERVER_PORT")
	}
	if strings.TrimSpace(c.Security.MasterKey) == "" {
		problems = append(problems, "MASTER_KEY")
	}
	if c.Queue.Concurrency < 1 {
		problems = append(problems, "QUEUE_CONCURRENCY must be >= 1")
	}
	if c.Queue.RenewInterval >= c.Queue.LeaseDuration {
		problems = append(problems, "QUEUE_RENEW_INTERVAL must be shorter than QUEUE_LEASE_DURATION")
	}
	if c.Queue.BackoffMax < c.Queue.BackoffBase {
		problems = append(problems, "QUEUE_BACKOFF_MAX must be >= QUEUE_BACKOFF_BASE")
	}
	if c.Server.RateLimit > 0 && c.Server.RateLimitWindow <= 0 {
		problems = append(problems, "RATE_LIMIT_WINDOW must be positive")
	}
	if c.Provider.HTTPEnabled {
		if strings.TrimSpace(c.Provider.BaseURL) == "" {
			problems = append(problems, "PROVIDER_HTTP_BASE_URL")
		}
		if c.Provider.TokenURL != "" && (c.Provider.ClientID == "" || c.Provider.ClientSecret == "") {
			problems = append(problems, "PROVIDER_HTTP_CLIENT_ID/PROVIDER_HTTP_CLIENT_SECRET")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, ", "))
	}

	return nil
}
