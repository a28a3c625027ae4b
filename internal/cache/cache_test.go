package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/noisegate/internal/rules"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRules_RoundTrip(t *testing.T) {
	c := newTestCache(t)

	cached := []CachedRule{
		{ID: "sg-1", Kind: rules.KindStatusCode, Value: "429", Category: "rate-limited"},
		{ID: "sg-2", Kind: rules.KindContains, Value: "quota exceeded", Category: "quota-exhausted", Scope: "billing"},
	}
	require.NoError(t, c.SetRules(cached))

	got, err := c.GetRules()
	require.NoError(t, err)
	assert.Equal(t, cached, got)
}

func TestRules_MissingKey(t *testing.T) {
	c := newTestCache(t)

	_, err := c.GetRules()
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRules_EmptySetIsServable(t *testing.T) {
	c := newTestCache(t)

	require.NoError(t, c.SetRules([]CachedRule{}))

	got, err := c.GetRules()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAcquireLock_MutualExclusion(t *testing.T) {
	c := newTestCache(t)

	ok, err := c.AcquireLock("fp-abc", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.AcquireLock("fp-abc", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// A different key is independent.
	ok, err = c.AcquireLock("fp-def", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseLock(t *testing.T) {
	c := newTestCache(t)

	ok, err := c.AcquireLock("fp-abc", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.ReleaseLock("fp-abc"))

	ok, err = c.AcquireLock("fp-abc", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// Releasing an unheld token is a no-op.
	assert.NoError(t, c.ReleaseLock("never-held"))
}
