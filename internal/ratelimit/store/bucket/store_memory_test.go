package bucket

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"careleave/internal/ratelimit/models"
)

const (
	testLimit  = 10
	testWindow = time.Minute
)

type bucketStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (*models.RateLimitResult, error)
}

// BucketStoreSuite runs the same sliding window contract against every
// store. newStore receives the clock the store must read.
type BucketStoreSuite struct {
	suite.Suite
	newStore func(t *testing.T, now func() time.Time) bucketStore
	store    bucketStore
	clock    time.Time
	ctx      context.Context
}

func TestInMemoryBucketStoreSuite(t *testing.T) {
	suite.Run(t, &BucketStoreSuite{newStore: func(_ *testing.T, now func() time.Time) bucketStore {
		s := New()
		s.now = now
		return s
	}})
}

func TestRedisBucketStoreSuite(t *testing.T) {
	suite.Run(t, &BucketStoreSuite{newStore: func(t *testing.T, now func() time.Time) bucketStore {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return NewRedis(client, WithClock(now))
	}})
}

func (s *BucketStoreSuite) SetupTest() {
	s.clock = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.store = s.newStore(s.T(), func() time.Time { return s.clock })
	s.ctx = context.Background()
}

func (s *BucketStoreSuite) advance(d time.Duration) {
	s.clock = s.clock.Add(d)
}

func (s *BucketStoreSuite) TestAllow() {
	s.Run("first request allowed", func() {
		result, err := s.store.Allow(s.ctx, "test:key:allow:first", testLimit, testWindow)
		s.Require().NoError(err)
		s.True(result.Allowed)
		s.Equal(testLimit, result.Limit)
		s.Equal(testLimit-1, result.Remaining)
		s.Equal(s.clock.Add(testWindow), result.ResetAt)
	})

	s.Run("requests up to limit allowed", func() {
		var result *models.RateLimitResult
		var err error
		for range testLimit {
			result, err = s.store.Allow(s.ctx, "test:key:allow:limit", testLimit, testWindow)
		}
		s.Require().NoError(err)
		s.True(result.Allowed)
		s.Equal(0, result.Remaining)
	})

	s.Run("request over limit denied with retry hint", func() {
		for range testLimit {
			_, err := s.store.Allow(s.ctx, "test:key:allow:over", testLimit, testWindow)
			s.Require().NoError(err)
		}
		s.advance(20 * time.Second)
		result, err := s.store.Allow(s.ctx, "test:key:allow:over", testLimit, testWindow)
		s.Require().NoError(err)
		s.False(result.Allowed)
		s.Equal(0, result.Remaining)
		s.Equal(40, result.RetryAfter)
	})
}

func (s *BucketStoreSuite) TestWindowSlides() {
	key := "test:key:slide"
	for range testLimit {
		_, err := s.store.Allow(s.ctx, key, testLimit, testWindow)
		s.Require().NoError(err)
	}

	s.advance(testWindow - time.Second)
	result, err := s.store.Allow(s.ctx, key, testLimit, testWindow)
	s.Require().NoError(err)
	s.False(result.Allowed, "still inside the window")

	s.advance(time.Second)
	result, err = s.store.Allow(s.ctx, key, testLimit, testWindow)
	s.Require().NoError(err)
	s.True(result.Allowed, "first requests aged out")
	s.Equal(testLimit-1, result.Remaining)
}

func (s *BucketStoreSuite) TestConcurrent() {
	limit := 50
	key := "test:key:concurrent"
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowedCount := 0

	for range 120 {
		wg.Go(func() {
			result, err := s.store.Allow(s.ctx, key, limit, testWindow)
			if err != nil {
				s.Fail(err.Error())
				return
			}
			if result.Allowed {
				mu.Lock()
				allowedCount++
				mu.Unlock()
			}
		})
	}

	wg.Wait()
	s.Equal(limit, allowedCount)
}

func TestInMemoryBucketStore_EvictsDrainedBuckets(t *testing.T) {
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := New()
	s.now = func() time.Time { return clock }
	ctx := context.Background()

	for _, key := range []string{"ip:10.0.0.1", "ip:10.0.0.2", "ip:10.0.0.3"} {
		_, err := s.Allow(ctx, key, testLimit, testWindow)
		require.NoError(t, err)
	}
	assert.Len(t, s.buckets, 3)

	clock = clock.Add(30 * time.Second)
	_, err := s.Allow(ctx, "ip:10.0.0.4", testLimit, testWindow)
	require.NoError(t, err)
	assert.Len(t, s.buckets, 4, "live windows are kept")

	clock = clock.Add(testWindow + sweepInterval)
	_, err = s.Allow(ctx, "ip:10.0.0.5", testLimit, testWindow)
	require.NoError(t, err)
	assert.Len(t, s.buckets, 1, "only the caller's window survives")
	assert.Contains(t, s.buckets, "ip:10.0.0.5")
}
