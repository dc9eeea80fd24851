package ratelimiter_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/chartworker/pkg/ratelimiter"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) ConsumeTokens(ctx context.Context, key string, tokens int, cfg ratelimiter.Config) (int, time.Time, error) {
	args := m.Called(ctx, key, tokens, cfg)
	return args.Int(0), args.Get(1).(time.Time), args.Error(2)
}

func (m *mockStore) Reset(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  ratelimiter.Config
		ok   bool
	}{
		{"valid", ratelimiter.Config{Capacity: 1, RefillRate: 1, RefillInterval: time.Second}, true},
		{"zero capacity", ratelimiter.Config{RefillRate: 1, RefillInterval: time.Second}, false},
		{"zero rate", ratelimiter.Config{Capacity: 1, RefillInterval: time.Second}, false},
		{"zero interval", ratelimiter.Config{Capacity: 1, RefillRate: 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ratelimiter.ErrInvalidConfig)
			}
		})
	}
}

func TestNewBucket(t *testing.T) {
	t.Parallel()

	_, err := ratelimiter.NewBucket(nil, testConfig)
	assert.ErrorIs(t, err, ratelimiter.ErrNilStore)

	_, err = ratelimiter.NewBucket(ratelimiter.NewMemoryStore(), ratelimiter.Config{})
	assert.ErrorIs(t, err, ratelimiter.ErrInvalidConfig)
}

func TestBucket_Allow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	bucket, err := ratelimiter.NewBucket(ratelimiter.NewMemoryStore(), ratelimiter.Config{
		Capacity:       2,
		RefillRate:     1,
		RefillInterval: time.Hour,
	})
	require.NoError(t, err)

	for range 2 {
		res, err := bucket.Allow(ctx, "owner")
		require.NoError(t, err)
		assert.True(t, res.Allowed())
		assert.Zero(t, res.RetryAfter())
		assert.Equal(t, 2, res.Limit)
	}

	res, err := bucket.Allow(ctx, "owner")
	require.NoError(t, err)
	assert.False(t, res.Allowed())
	assert.Equal(t, -1, res.Remaining)
	assert.Greater(t, res.RetryAfter(), 59*time.Minute)

	status, err := bucket.Status(ctx, "owner")
	require.NoError(t, err)
	assert.Zero(t, status.Remaining)

	require.NoError(t, bucket.Reset(ctx, "owner"))
	res, err = bucket.Allow(ctx, "owner")
	require.NoError(t, err)
	assert.True(t, res.Allowed())
}

func TestBucket_AllowN(t *testing.T) {
	t.Parallel()

	bucket, err := ratelimiter.NewBucket(ratelimiter.NewMemoryStore(), testConfig)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = bucket.AllowN(ctx, "k", 0)
	assert.ErrorIs(t, err, ratelimiter.ErrInvalidTokenCount)
	_, err = bucket.AllowN(ctx, "k", testConfig.Capacity+1)
	assert.ErrorIs(t, err, ratelimiter.ErrInvalidTokenCount)

	res, err := bucket.AllowN(ctx, "k", 7)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Remaining)

	res, err = bucket.AllowN(ctx, "k", 4)
	require.NoError(t, err)
	assert.False(t, res.Allowed())
}

func TestBucket_StoreError(t *testing.T) {
	t.Parallel()

	store := &mockStore{}
	store.On("ConsumeTokens", mock.Anything, "k", 1, testConfig).
		Return(0, time.Time{}, ratelimiter.ErrStoreUnavailable).Once()
	store.On("Reset", mock.Anything, "k").Return(errors.New("down")).Once()

	bucket, err := ratelimiter.NewBucket(store, testConfig)
	require.NoError(t, err)

	_, err = bucket.Allow(context.Background(), "k")
	assert.ErrorIs(t, err, ratelimiter.ErrStoreUnavailable)
	assert.Error(t, bucket.Reset(context.Background(), "k"))
	store.AssertExpectations(t)
}
