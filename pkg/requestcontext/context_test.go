package requestcontext

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	id "careleave/pkg/domain"
)

func TestActorRoundTrip(t *testing.T) {
	ctx := WithActor(context.Background(), id.ActorID("dr.house"), "medical")
	assert.Equal(t, id.ActorID("dr.house"), ActorID(ctx))
	assert.Equal(t, "medical", Role(ctx))
}

func TestDefaultsWhenUnset(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, ActorID(ctx))
	assert.Empty(t, Role(ctx))
	assert.Empty(t, RequestID(ctx))
	assert.WithinDuration(t, time.Now(), Now(ctx), time.Second)
}

func TestWithTime(t *testing.T) {
	fixed := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	ctx := WithTime(context.Background(), fixed)
	assert.Equal(t, fixed, Now(ctx))
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-42")
	assert.Equal(t, "req-42", RequestID(ctx))
	assert.Empty(t, ActorID(ctx), "keys do not collide")
}
