package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	appErrors "github.com/noah-isme/bktutor-api/pkg/errors"
)

type cacheRepoStub struct {
	values   map[string]interface{}
	ttls     map[string]time.Duration
	patterns []string
	getErr   error
}

func newCacheRepoStub() *cacheRepoStub {
	return &cacheRepoStub{values: map[string]interface{}{}, ttls: map[string]time.Duration{}}
}

func (r *cacheRepoStub) Get(ctx context.Context, key string, dest interface{}) error {
	if r.getErr != nil {
		return r.getErr
	}
	v, ok := r.values[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	if out, ok := dest.(*string); ok {
		*out = v.(string)
	}
	return nil
}

func (r *cacheRepoStub) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	r.values[key] = value
	r.ttls[key] = ttl
	return nil
}

func (r *cacheRepoStub) Delete(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		delete(r.values, k)
	}
	return nil
}

func (r *cacheRepoStub) Purge(ctx context.Context, pattern string) (int, error) {
	r.patterns = append(r.patterns, pattern)
	return len(r.values), nil
}

func TestCacheServiceHitMissAndTTL(t *testing.T) {
	repo := newCacheRepoStub()
	metrics := NewMetricsService()
	svc := NewCacheService(repo, metrics, time.Minute, zap.NewNop(), true)
	ctx := context.Background()

	var out string
	hit, err := svc.Get(ctx, "progress:stu-1", &out)
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, svc.Set(ctx, "progress:stu-1", "cached", 0))
	assert.Equal(t, time.Minute, repo.ttls["progress:stu-1"])

	hit, err = svc.Get(ctx, "progress:stu-1", &out)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "cached", out)

	snap := metrics.Snapshot()
	assert.Equal(t, uint64(1), snap.CacheHits)
	assert.Equal(t, uint64(1), snap.CacheMisses)

	require.NoError(t, svc.Delete(ctx, "progress:stu-1"))
	hit, _ = svc.Get(ctx, "progress:stu-1", &out)
	assert.False(t, hit)

	require.NoError(t, svc.Invalidate(ctx, ProgressCachePrefix+"*"))
	assert.Equal(t, []string{"progress:*"}, repo.patterns)
}

func TestCacheServiceDisabledIsNoop(t *testing.T) {
	repo := newCacheRepoStub()
	svc := NewCacheService(repo, nil, 0, nil, false)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, "k", "v", time.Second))
	assert.Empty(t, repo.values)
	hit, err := svc.Get(ctx, "k", new(string))
	require.NoError(t, err)
	assert.False(t, hit)
	require.NoError(t, svc.Invalidate(ctx, "*"))
	assert.Empty(t, repo.patterns)

	var nilSvc *CacheService
	assert.False(t, nilSvc.Enabled())
	assert.False(t, NewCacheService(nil, nil, 0, nil, true).Enabled())
}

func TestCacheServiceSurfacesBackendErrors(t *testing.T) {
	repo := newCacheRepoStub()
	repo.getErr = errors.New("connection refused")
	svc := NewCacheService(repo, nil, 0, nil, true)

	hit, err := svc.Get(context.Background(), "k", new(string))
	assert.False(t, hit)
	assert.EqualError(t, err, "connection refused")
}
