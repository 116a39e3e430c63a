package repos

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rgonzalez-dev/smbc-demo-api-integration/contacts/internal/models"
)

type scoredEntry struct {
	score int64
	raw   []byte
	ttl   time.Duration
}

type fakeJSONCache map[string]scoredEntry

func (f fakeJSONCache) SetJSONIfNewer(_ context.Context, key string, score int64, value any, ttl time.Duration) (bool, error) {
	if cur, ok := f[key]; ok && cur.score > score {
		return false, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	f[key] = scoredEntry{score: score, raw: raw, ttl: ttl}
	return true, nil
}

func (f fakeJSONCache) GetJSON(_ context.Context, key string, dest any) (bool, error) {
	e, ok := f[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(e.raw, dest)
}

func TestOutcomeCacheKeepsNewest(t *testing.T) {
	ctx := context.Background()
	backing := fakeJSONCache{}
	cache := NewOutcomeCache(backing, 0)

	require.NoError(t, cache.Put(ctx, models.VerificationOutcome{ID: 7, SubjectID: "c-1", Status: models.StatusVerified}))
	require.NoError(t, cache.Put(ctx, models.VerificationOutcome{ID: 3, SubjectID: "c-1", Status: models.StatusError}))

	got, ok, err := cache.Get(ctx, "c-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(7), got.ID)
	assert.Equal(t, models.StatusVerified, got.Status)
	assert.Equal(t, 5*time.Minute, backing[latestOutcomeKey("c-1")].ttl)

	_, ok, err = cache.Get(ctx, "c-2")
	require.NoError(t, err)
	assert.False(t, ok)
}
