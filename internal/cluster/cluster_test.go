package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/noisegate/internal/pattern"
)

type fakeStore struct {
	occurrences []pattern.Occurrence
	upserted    []*pattern.ErrorCluster
}

func (f *fakeStore) ListUncategorized(_ context.Context, limit int, minCount int64) ([]pattern.Occurrence, error) {
	var out []pattern.Occurrence
	for _, o := range f.occurrences {
		if o.Count >= minCount && o.Category == "" {
			out = append(out, o)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) UpsertCluster(_ context.Context, c *pattern.ErrorCluster) error {
	f.upserted = append(f.upserted, c)
	return nil
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Timeout after 3000ms", "timeout after <num>ms"},
		{"request   failed\twith  429", "request failed with <num>"},
		{"session deadbeefcafe1234 expired", "session <hex> expired"},
		{"worker 17 crashed, worker 21 crashed", "worker <num> crashed, worker <num> crashed"},
		{"  Mixed CASE Message  ", "mixed case message"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in), tt.in)
	}
}

func TestNormalize_GroupsVolatileVariants(t *testing.T) {
	a := Normalize("Quota exceeded for project 42 (request abc123def456)")
	b := Normalize("quota exceeded for project 7 (request 0011aabbccdd)")
	assert.Equal(t, a, b)
}

func TestDiscover_GroupsByNormalizedMessage(t *testing.T) {
	now := time.Now()
	store := &fakeStore{occurrences: []pattern.Occurrence{
		{Fingerprint: "f1", LogMessage: "timeout after 3000ms", Service: "api", Count: 20, LastSeen: now},
		{Fingerprint: "f2", LogMessage: "timeout after 5000ms", Service: "worker", Count: 10, LastSeen: now.Add(-time.Hour)},
		{Fingerprint: "f3", ExceptionMessage: "quota exceeded for project 42", Service: "api", Count: 8, LastSeen: now},
	}}

	c, err := New(store, nil)
	require.NoError(t, err)

	clusters, err := c.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, clusters, 2)

	// Most impactful cluster first.
	top := clusters[0]
	assert.Equal(t, "timeout after <num>ms", top.Normalized)
	assert.EqualValues(t, 30, top.OccurrenceCount)
	assert.Equal(t, 2, top.FingerprintCount)
	assert.Equal(t, "timeout after 3000ms", top.Representative)
	assert.ElementsMatch(t, []string{"api", "worker"}, top.Services)

	// Bookkeeping was persisted for both clusters.
	assert.Len(t, store.upserted, 2)
}

func TestDiscover_DropsLowVolumeGroups(t *testing.T) {
	// Combined count 5 < 2 * minOccurrences (6): dropped.
	store := &fakeStore{occurrences: []pattern.Occurrence{
		{Fingerprint: "f1", LogMessage: "rare failure 1", Count: 5, LastSeen: time.Now()},
	}}

	c, err := New(store, nil)
	require.NoError(t, err)

	clusters, err := c.Discover(context.Background())
	require.NoError(t, err)
	assert.Empty(t, clusters)
}

func TestDiscover_CapsClusterCount(t *testing.T) {
	now := time.Now()
	var occ []pattern.Occurrence
	for i := 0; i < 30; i++ {
		occ = append(occ, pattern.Occurrence{
			Fingerprint: string(rune('a' + i)),
			LogMessage:  "distinct failure shape " + string(rune('a'+i)) + " happened",
			Count:       int64(100 - i),
			LastSeen:    now,
		})
	}
	store := &fakeStore{occurrences: occ}

	c, err := New(store, nil, WithMaxClusters(5))
	require.NoError(t, err)

	clusters, err := c.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, clusters, 5)
	// Highest occurrence counts survive the cap.
	assert.EqualValues(t, 100, clusters[0].OccurrenceCount)
}

func TestDiscover_PrefersExceptionMessage(t *testing.T) {
	store := &fakeStore{occurrences: []pattern.Occurrence{
		{
			Fingerprint:      "f1",
			ExceptionMessage: "panic: out of memory",
			LogMessage:       "log line that should be ignored",
			Count:            10,
			LastSeen:         time.Now(),
		},
	}}

	c, err := New(store, nil)
	require.NoError(t, err)

	clusters, err := c.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.Equal(t, "panic: out of memory", clusters[0].Representative)
}

func TestDiscover_StableHashAcrossRuns(t *testing.T) {
	store := &fakeStore{occurrences: []pattern.Occurrence{
		{Fingerprint: "f1", LogMessage: "timeout after 3000ms", Count: 10, LastSeen: time.Now()},
	}}

	c, err := New(store, nil)
	require.NoError(t, err)

	first, err := c.Discover(context.Background())
	require.NoError(t, err)
	second, err := c.Discover(context.Background())
	require.NoError(t, err)

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].Hash, second[0].Hash)
}
