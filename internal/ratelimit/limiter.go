// Package ratelimit implements fixed-window request limiting keyed by
// (bucket, client key). A small interface keeps the backend swappable: the
// in-memory limiter covers single-process deployments, the Redis limiter
// multi-process ones.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Result is the outcome of one limiter check.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter checks whether a request identified by key may pass through the
// named bucket.
type Limiter interface {
	Check(ctx context.Context, bucket, key string) (Result, error)
}

// BucketConfig configures one named bucket.
type BucketConfig struct {
	Window      time.Duration `json:"windowMs"`
	MaxRequests int           `json:"maxRequests"`
	Enabled     bool          `json:"enabled"`
}

// Bucket names used across the API surface.
const (
	BucketRegistration  = "registration"
	BucketPasswordReset = "password-reset"
	BucketPollCreation  = "poll-creation"
	BucketVote          = "vote"
	BucketEmail         = "email"
	BucketAPIGeneral    = "api-general"
	BucketLogin         = "login"
	BucketEmailCheck    = "email-check"
)

// DefaultBuckets returns the built-in bucket configuration. Admin settings
// may override individual buckets at runtime.
func DefaultBuckets() map[string]BucketConfig {
	return map[string]BucketConfig{
		BucketRegistration:  {Window: time.Hour, MaxRequests: 5, Enabled: true},
		BucketPasswordReset: {Window: 15 * time.Minute, MaxRequests: 3, Enabled: true},
		BucketPollCreation:  {Window: time.Minute, MaxRequests: 10, Enabled: true},
		BucketVote:          {Window: 10 * time.Second, MaxRequests: 30, Enabled: true},
		BucketEmail:         {Window: time.Minute, MaxRequests: 5, Enabled: true},
		BucketAPIGeneral:    {Window: time.Minute, MaxRequests: 100, Enabled: true},
		BucketLogin:         {Window: 15 * time.Minute, MaxRequests: 5, Enabled: true},
		BucketEmailCheck:    {Window: time.Minute, MaxRequests: 10, Enabled: true},
	}
}

// ConfigStore holds the live bucket configuration. Reads vastly outnumber
// writes; a RWMutex keeps overrides cheap.
type ConfigStore struct {
	mu      sync.RWMutex
	buckets map[string]BucketConfig
}

func NewConfigStore() *ConfigStore {
	return &ConfigStore{buckets: DefaultBuckets()}
}

// Get returns the config for a bucket. Unknown buckets fall back to the
// api-general defaults so a typo never disables limiting.
func (c *ConfigStore) Get(bucket string) BucketConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if cfg, ok := c.buckets[bucket]; ok {
		return cfg
	}
	return c.buckets[BucketAPIGeneral]
}

// Override replaces one bucket's config at runtime.
func (c *ConfigStore) Override(bucket string, cfg BucketConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buckets[bucket] = cfg
}

// Snapshot returns a copy of all bucket configs.
func (c *ConfigStore) Snapshot() map[string]BucketConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]BucketConfig, len(c.buckets))
	for k, v := range c.buckets {
		out[k] = v
	}
	return out
}
