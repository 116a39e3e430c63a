package repos

import (
	"context"
	"time"

	"github.com/rgonzalez-dev/smbc-demo-api-integration/contacts/internal/models"
)

const latestOutcomeKeyPrefix = "ssn-verification:latest:"

// JSONCache is the part of *cachex.Client the outcome cache needs.
type JSONCache interface {
	SetJSONIfNewer(ctx context.Context, key string, score int64, value any, ttl time.Duration) (bool, error)
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
}

// OutcomeCache keeps the latest outcome per subject in Redis. Outcome ids grow
// monotonically, so a slower worker cannot overwrite a newer outcome.
type OutcomeCache struct {
	cache JSONCache
	ttl   time.Duration
}

func NewOutcomeCache(cache JSONCache, ttl time.Duration) *OutcomeCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &OutcomeCache{cache: cache, ttl: ttl}
}

func (c *OutcomeCache) Put(ctx context.Context, o models.VerificationOutcome) error {
	_, err := c.cache.SetJSONIfNewer(ctx, latestOutcomeKey(o.SubjectID), o.ID, o, c.ttl)
	return err
}

func (c *OutcomeCache) Get(ctx context.Context, subjectID string) (models.VerificationOutcome, bool, error) {
	var o models.VerificationOutcome
	ok, err := c.cache.GetJSON(ctx, latestOutcomeKey(subjectID), &o)
	if err != nil || !ok {
		return models.VerificationOutcome{}, false, err
	}
	return o, true, nil
}

func latestOutcomeKey(subjectID string) string {
	return latestOutcomeKeyPrefix + subjectID
}
