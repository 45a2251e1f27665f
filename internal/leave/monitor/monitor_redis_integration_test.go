//go:build integration

package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"careleave/internal/leave/models"
	id "careleave/pkg/domain"
	"careleave/pkg/testutil/containers"
)

// parkedWorkflow holds the first scan inside ListActive until released.
type parkedWorkflow struct {
	entered chan struct{}
	release chan struct{}
}

func (w *parkedWorkflow) ListActive(ctx context.Context) ([]*models.LeaveRequest, error) {
	close(w.entered)
	select {
	case <-w.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return nil, nil
}

func (w *parkedWorkflow) ApplyAction(context.Context, id.LeaveRequestID, models.Command) (*models.LeaveRequest, error) {
	return nil, nil
}

type RedisLeaseSuite struct {
	suite.Suite
	redis *containers.RedisContainer
}

func TestRedisLeaseSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisLeaseSuite))
}

func (s *RedisLeaseSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
}

func (s *RedisLeaseSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisLeaseSuite) TestSecondReplicaSkipsWhileFirstScans() {
	ctx := context.Background()
	parked := &parkedWorkflow{entered: make(chan struct{}), release: make(chan struct{})}

	first := New(parked, WithLease(s.redis.Client, time.Minute), WithOwner("replica-a"))
	second := New(parked, WithLease(s.redis.Client, time.Minute), WithOwner("replica-b"))

	done := make(chan ScanResult, 1)
	go func() {
		res, err := first.Scan(ctx)
		s.NoError(err)
		done <- res
	}()
	<-parked.entered

	res, err := second.Scan(ctx)
	s.Require().NoError(err)
	s.False(res.Ran)

	close(parked.release)
	select {
	case res := <-done:
		s.True(res.Ran)
	case <-time.After(10 * time.Second):
		s.FailNow("first scan did not finish")
	}

	exists, err := s.redis.Client.Exists(ctx, LeaseKey).Result()
	require.NoError(s.T(), err)
	s.Zero(exists, "lease is released after the scan")
}
