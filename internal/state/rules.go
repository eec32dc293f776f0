// Package state holds the Redis read-through cache in front of the rule store.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"vigil/internal/config"
	"vigil/internal/logger"
	"vigil/internal/metrics"
	"vigil/internal/models"
	"vigil/internal/storage"
)

// cacheClient is the subset of *redis.Client the cache uses.
type cacheClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

// RuleCache caches enabled-rule lookups per (device, metric). Rules created
// through the cache invalidate their key; other writers are bounded by the
// TTL. Redis failures fall back to the store.
type RuleCache struct {
	client cacheClient
	store  storage.RuleStore
	ttl    time.Duration
}

var _ storage.RuleStore = (*RuleCache)(nil)

// NewRuleCache connects to Redis and wraps store.
func NewRuleCache(cfg config.RedisConfig, store storage.RuleStore) (*RuleCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	return newRuleCache(client, store, cfg.RuleTTL), nil
}

func newRuleCache(client cacheClient, store storage.RuleStore, ttl time.Duration) *RuleCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RuleCache{client: client, store: store, ttl: ttl}
}

// RulesKey is the cache key for one device and metric.
func RulesKey(deviceID, metric string) string {
	return fmt.Sprintf("vigil:rules:%s:%s", deviceID, metric)
}

// EnabledRules serves from Redis when possible and fills the cache on a miss.
func (c *RuleCache) EnabledRules(ctx context.Context, deviceID, metric string) ([]models.Rule, error) {
	log := logger.WithComponent("rule_cache")
	key := RulesKey(deviceID, metric)

	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var rules []models.Rule
		uerr := json.Unmarshal(data, &rules)
		if uerr == nil {
			metrics.RuleCacheTotal.WithLabelValues("hit").Inc()
			return rules, nil
		}
		metrics.RuleCacheTotal.WithLabelValues("error").Inc()
		log.Warn().Err(uerr).Str("key", key).Msg("discarding unreadable cached rules")
	case errors.Is(err, redis.Nil):
		metrics.RuleCacheTotal.WithLabelValues("miss").Inc()
	default:
		metrics.RuleCacheTotal.WithLabelValues("error").Inc()
		log.Warn().Err(err).Str("key", key).Msg("rule cache read failed, using store")
	}

	rules, err := c.store.EnabledRules(ctx, deviceID, metric)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(rules)
	if err != nil {
		return rules, nil
	}
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("rule cache write failed")
	}
	return rules, nil
}

// CreateRule writes through to the store and drops the cached lookup.
func (c *RuleCache) CreateRule(ctx context.Context, rule models.Rule) error {
	if err := c.store.CreateRule(ctx, rule); err != nil {
		return err
	}
	if err := c.Invalidate(ctx, rule.DeviceID, rule.Metric); err != nil {
		log := logger.WithComponent("rule_cache")
		log.Warn().
			Err(err).
			Str("rule_id", rule.RuleID).
			Msg("rule cache invalidation failed, entry expires with its TTL")
	}
	return nil
}

// ListRules is not cached.
func (c *RuleCache) ListRules(ctx context.Context, deviceID string, limit int) ([]models.Rule, error) {
	return c.store.ListRules(ctx, deviceID, limit)
}

// Invalidate removes the cached lookup for one device and metric.
func (c *RuleCache) Invalidate(ctx context.Context, deviceID, metric string) error {
	return errors.Wrap(c.client.Del(ctx, RulesKey(deviceID, metric)).Err(), "invalidate rules")
}

// Close closes the Redis connection
func (c *RuleCache) Close() error {
	return c.client.Close()
}
