package beneficiary

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	id "careleave/pkg/domain"
	"careleave/pkg/platform/sentinel"
)

const (
	// Redis key prefix for beneficiary display names
	nameKeyPrefix = "beneficiary:name:"

	defaultCacheTTL = 15 * time.Minute
)

// RedisDirectory serves names from Redis. With a source configured it acts
// as a read-through cache in front of it; without one, Redis is the
// directory and entries are loaded with Put.
type RedisDirectory struct {
	client *redis.Client
	source Directory
	ttl    time.Duration
}

// RedisOption configures a RedisDirectory.
type RedisOption func(*RedisDirectory)

// WithSource sets the directory consulted on a cache miss.
func WithSource(source Directory) RedisOption {
	return func(d *RedisDirectory) {
		d.source = source
	}
}

// WithTTL sets how long names fetched from the source stay cached.
func WithTTL(ttl time.Duration) RedisOption {
	return func(d *RedisDirectory) {
		if ttl > 0 {
			d.ttl = ttl
		}
	}
}

// NewRedis constructs a Redis-backed directory.
func NewRedis(client *redis.Client, opts ...RedisOption) *RedisDirectory {
	d := &RedisDirectory{
		client: client,
		ttl:    defaultCacheTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

func (d *RedisDirectory) DisplayName(ctx context.Context, beneficiaryID id.BeneficiaryID) (string, error) {
	key := nameKeyPrefix + beneficiaryID.String()
	name, err := d.client.Get(ctx, key).Result()
	if err == nil {
		return name, nil
	}
	if !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: beneficiary lookup: %w", sentinel.ErrUnavailable, err)
	}
	if d.source == nil {
		return "", sentinel.ErrNotFound
	}

	name, err = d.source.DisplayName(ctx, beneficiaryID)
	if err != nil {
		return "", err
	}
	// A failed cache fill only costs a later source lookup
	_ = d.client.Set(ctx, key, name, d.ttl).Err()
	return name, nil
}

// Put stores a name without expiry.
func (d *RedisDirectory) Put(ctx context.Context, beneficiaryID id.BeneficiaryID, name string) error {
	return d.client.Set(ctx, nameKeyPrefix+beneficiaryID.String(), name, 0).Err()
}
