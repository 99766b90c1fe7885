package config

import "time"

// CacheConfig controls the Redis cache in front of subscription status
// lookups made by the route guard.  TTL bounds how long a billing change
// takes to be seen by the guard.
type CacheConfig struct {
	Enabled bool          `env:"SUBSCRIPTION_CACHE_ENABLED" envDefault:"true"`
	TTL     time.Duration `env:"SUBSCRIPTION_CACHE_TTL" envDefault:"30s"`
	Prefix  string        `env:"SUBSCRIPTION_CACHE_PREFIX" envDefault:"subcache"`
}
