package beneficiary

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "careleave/pkg/domain"
	dErrors "careleave/pkg/domain-errors"
	"careleave/pkg/platform/sentinel"
)

type countingDirectory struct {
	Directory
	calls int
}

func (c *countingDirectory) DisplayName(ctx context.Context, bid id.BeneficiaryID) (string, error) {
	c.calls++
	return c.Directory.DisplayName(ctx, bid)
}

func TestStatic(t *testing.T) {
	ctx := context.Background()
	d := NewStatic(map[id.BeneficiaryID]string{"BEN-1": "Joana Silva"})

	name, err := d.DisplayName(ctx, "BEN-1")
	require.NoError(t, err)
	assert.Equal(t, "Joana Silva", name)

	_, err = d.DisplayName(ctx, "BEN-404")
	assert.ErrorIs(t, err, sentinel.ErrNotFound)

	require.NoError(t, d.Put(ctx, "BEN-404", "Rui Costa"))
	name, err = d.DisplayName(ctx, "BEN-404")
	require.NoError(t, err)
	assert.Equal(t, "Rui Costa", name)
}

func TestParseStatic(t *testing.T) {
	d, err := ParseStatic(" BEN-1=Joana Silva ; BEN-2= Rui Costa;")
	require.NoError(t, err)

	name, err := d.DisplayName(context.Background(), "BEN-2")
	require.NoError(t, err)
	assert.Equal(t, "Rui Costa", name)

	_, err = ParseStatic("BEN-1")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
}

func TestRedisDirectory(t *testing.T) {
	ctx := context.Background()

	newClient := func(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return client, mr
	}

	t.Run("standalone lookup", func(t *testing.T) {
		client, _ := newClient(t)
		d := NewRedis(client)

		_, err := d.DisplayName(ctx, "BEN-1")
		assert.ErrorIs(t, err, sentinel.ErrNotFound)

		require.NoError(t, d.Put(ctx, "BEN-1", "Joana Silva"))
		name, err := d.DisplayName(ctx, "BEN-1")
		require.NoError(t, err)
		assert.Equal(t, "Joana Silva", name)
	})

	t.Run("read-through cache fills from source", func(t *testing.T) {
		client, mr := newClient(t)
		source := &countingDirectory{Directory: NewStatic(map[id.BeneficiaryID]string{"BEN-7": "Marta Reis"})}
		d := NewRedis(client, WithSource(source), WithTTL(time.Minute))

		for range 3 {
			name, err := d.DisplayName(ctx, "BEN-7")
			require.NoError(t, err)
			assert.Equal(t, "Marta Reis", name)
		}
		assert.Equal(t, 1, source.calls)
		assert.Equal(t, time.Minute, mr.TTL(nameKeyPrefix+"BEN-7"))

		mr.FastForward(2 * time.Minute)
		_, err := d.DisplayName(ctx, "BEN-7")
		require.NoError(t, err)
		assert.Equal(t, 2, source.calls)
	})

	t.Run("source miss is not cached", func(t *testing.T) {
		client, mr := newClient(t)
		d := NewRedis(client, WithSource(NewStatic(nil)))

		_, err := d.DisplayName(ctx, "BEN-9")
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
		assert.False(t, mr.Exists(nameKeyPrefix+"BEN-9"))
	})

	t.Run("redis outage is unavailable", func(t *testing.T) {
		client := redis.NewClient(&redis.Options{
			Addr:        "127.0.0.1:1",
			MaxRetries:  -1,
			DialTimeout: 100 * time.Millisecond,
		})
		defer client.Close()
		d := NewRedis(client)

		_, err := d.DisplayName(ctx, "BEN-1")
		require.Error(t, err)
		assert.True(t, errors.Is(err, sentinel.ErrUnavailable))
	})
}
