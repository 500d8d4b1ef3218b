// Package cache stores extraction results in Redis keyed by a fingerprint of
// the normalized input text and the reference day. Every failure is reported to the caller as a
// miss; the cache never fails a request.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"nerd/internal/locale"
	appLog "nerd/internal/log"
	"nerd/internal/metrics"
	"nerd/internal/model"
)

const (
	keyPrefix      = "ner"
	DefaultTTL     = time.Hour
	DefaultTimeout = 200 * time.Millisecond
	DefaultVersion = "v1"
	scanBatch      = 500
	dayLayout      = "2006-01-02"
)

// Options configures a Cache. Zero values take the defaults above; a nil
// Location means UTC. Location decides which calendar day a reference
// instant belongs to.
type Options struct {
	Version  string
	TTL      time.Duration
	Timeout  time.Duration
	Location *time.Location
	Metrics  *metrics.Metrics
}

// Cache is a Redis-backed result cache.
type Cache struct {
	client  redis.UniversalClient
	version string
	ttl     time.Duration
	timeout time.Duration
	loc     *time.Location
	metrics *metrics.Metrics
}

// New wraps client. The client is owned by the caller.
func New(client redis.UniversalClient, opts Options) *Cache {
	if opts.Version == "" {
		opts.Version = DefaultVersion
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Cache{
		client:  client,
		version: opts.Version,
		ttl:     opts.TTL,
		timeout: opts.Timeout,
		loc:     opts.Location,
		metrics: opts.Metrics,
	}
}

// Fingerprint returns the cache key for text: the format version, locale and
// reference day (YYYY-MM-DD) followed by the SHA-256 of the normalized text.
// Results holding "today" or "tomorrow" are only valid for their day.
func Fingerprint(version string, l locale.Locale, day, text string) string {
	sum := sha256.Sum256([]byte(locale.Normalize(text)))
	return keyPrefix + ":" + version + ":" + string(l) + ":" + day + ":" + hex.EncodeToString(sum[:])
}

func (c *Cache) key(l locale.Locale, text string, now time.Time) string {
	return Fingerprint(c.version, l, now.In(c.loc).Format(dayLayout), text)
}

// Get returns the result cached for text on the day of now. Absent keys,
// store errors, timeouts and undecodable payloads all report false.
func (c *Cache) Get(ctx context.Context, l locale.Locale, text string, now time.Time) ([]model.Extracted, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	key := c.key(l, text, now)
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			c.metrics.CacheLookup(metrics.CacheMiss)
			return nil, false
		}
		c.metrics.CacheLookup(metrics.CacheError)
		c.metrics.StoreError("cache")
		appLog.Warn("cache get failed; treating as miss", "key", key, "err", err)
		return nil, false
	}

	var dtos []model.EntityDTO
	if err := json.Unmarshal(data, &dtos); err != nil {
		c.metrics.CacheLookup(metrics.CacheError)
		appLog.Warn("cache payload undecodable; treating as miss", "key", key, "err", err)
		return nil, false
	}
	xs, err := model.FromDTOs(dtos, c.loc)
	if err != nil {
		c.metrics.CacheLookup(metrics.CacheError)
		appLog.Warn("cache payload invalid; treating as miss", "key", key, "err", err)
		return nil, false
	}
	c.metrics.CacheLookup(metrics.CacheHit)
	return xs, true
}

// Set stores xs for text on the day of now with the configured TTL. Failures
// are logged and returned for callers that care; the service ignores them.
func (c *Cache) Set(ctx context.Context, l locale.Locale, text string, now time.Time, xs []model.Extracted) error {
	data, err := json.Marshal(model.ToDTOs(xs))
	if err != nil {
		return errors.Wrap(err, "encode cache entry")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	key := c.key(l, text, now)
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.metrics.StoreError("cache")
		appLog.Warn("cache set failed", "key", key, "err", err)
		return errors.Wrapf(err, "cache set %s", key)
	}
	return nil
}

// Invalidate drops the entry for text on the day of now.
func (c *Cache) Invalidate(ctx context.Context, l locale.Locale, text string, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.client.Del(ctx, c.key(l, text, now)).Err(); err != nil {
		c.metrics.StoreError("cache")
		return errors.Wrap(err, "cache invalidate")
	}
	return nil
}

// Purge deletes every entry of the current format version and returns how
// many keys were removed. It scans, so it is not bounded by the per-call
// timeout; ctx controls it.
func (c *Cache) Purge(ctx context.Context) (int64, error) {
	pattern := keyPrefix + ":" + c.version + ":*"
	var removed int64

	iter := c.client.Scan(ctx, 0, pattern, scanBatch).Iterator()
	batch := make([]string, 0, scanBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := c.client.Del(ctx, batch...).Result()
		if err != nil {
			return err
		}
		removed += n
		batch = batch[:0]
		return nil
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			if err := flush(); err != nil {
				c.metrics.StoreError("cache")
				return removed, errors.Wrap(err, "cache purge")
			}
		}
	}
	if err := iter.Err(); err != nil {
		c.metrics.StoreError("cache")
		return removed, errors.Wrap(err, "cache purge scan")
	}
	if err := flush(); err != nil {
		c.metrics.StoreError("cache")
		return removed, errors.Wrap(err, "cache purge")
	}
	appLog.Info("cache purged", "version", c.version, "keys", removed)
	return removed, nil
}
