package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/noah-isme/member-requests-api/pkg/errors"
)

func TestMemoryCacheRepositoryStoresCopies(t *testing.T) {
	repo := NewMemoryCacheRepository()
	ctx := context.Background()

	value := []byte(`["a"]`)
	require.NoError(t, repo.Store(ctx, "members:school:1", value, 0))
	value[0] = 'x'

	got, err := repo.Load(ctx, "members:school:1")
	require.NoError(t, err)
	assert.Equal(t, `["a"]`, string(got))

	got[0] = 'y'
	again, err := repo.Load(ctx, "members:school:1")
	require.NoError(t, err)
	assert.Equal(t, `["a"]`, string(again))
}

func TestMemoryCacheRepositoryExpires(t *testing.T) {
	repo := NewMemoryCacheRepository()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, repo.Store(ctx, "k", []byte("v"), time.Minute))
	_, err := repo.Load(ctx, "k")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = repo.Load(ctx, "k")
	assert.True(t, appErrors.Is(err, appErrors.ErrCacheMiss))
}

func TestMemoryCacheRepositoryDeleteByPattern(t *testing.T) {
	repo := NewMemoryCacheRepository()
	ctx := context.Background()
	require.NoError(t, repo.Store(ctx, "members:school:1", []byte("1"), 0))
	require.NoError(t, repo.Store(ctx, "members:school:2", []byte("2"), 0))
	require.NoError(t, repo.Store(ctx, "change-requests:school:1", []byte("3"), 0))

	require.NoError(t, repo.DeleteByPattern(ctx, "members:*"))

	_, err := repo.Load(ctx, "members:school:1")
	assert.True(t, appErrors.Is(err, appErrors.ErrCacheMiss))
	_, err = repo.Load(ctx, "change-requests:school:1")
	assert.NoError(t, err)
}
