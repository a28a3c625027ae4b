// Package cluster groups recent unclassified error messages into candidate
// clusters by normalized-message similarity, producing priority-ordered work
// items for the suggestion oracle.
//
// Clustering is deliberately cheap: messages are normalized (lowercased,
// whitespace collapsed, volatile tokens replaced with placeholders) and
// grouped by a string hash of the normalized form. The hash is stable across
// runs, which makes discovery idempotent.
package cluster

import (
	"context"
	"fmt"
	"hash/fnv"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/noisegate/internal/pattern"
)

const (
	// DefaultCorpusLimit is the maximum number of uncategorized errors
	// pulled per discovery run.
	DefaultCorpusLimit = 500

	// DefaultMinOccurrences is the minimum per-record occurrence count
	// for a record to enter the corpus.
	DefaultMinOccurrences = 3

	// DefaultMaxClusters caps the clusters handed to the suggestion
	// client per run, bounding oracle cost.
	DefaultMaxClusters = 20

	// maxSampleMessages caps the distinct samples collected per cluster.
	maxSampleMessages = 5
)

// normalization patterns, applied after lowercasing. Order matters: hex
// runs must be replaced before digit runs would split them.
var (
	hexPattern        = regexp.MustCompile(`\b[0-9a-f]{8,}\b`)
	digitPattern      = regexp.MustCompile(`\d+`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// Store is the slice of the system of record clustering needs.
type Store interface {
	ListUncategorized(ctx context.Context, limit int, minCount int64) ([]pattern.Occurrence, error)
	UpsertCluster(ctx context.Context, c *pattern.ErrorCluster) error
}

// Clusterer builds error clusters from the uncategorized corpus.
type Clusterer struct {
	store          Store
	logger         *zap.Logger
	corpusLimit    int
	minOccurrences int64
	maxClusters    int
}

// Option configures a Clusterer.
type Option func(*Clusterer)

// WithCorpusLimit overrides the corpus size limit.
func WithCorpusLimit(n int) Option {
	return func(c *Clusterer) { c.corpusLimit = n }
}

// WithMinOccurrences overrides the per-record occurrence threshold.
func WithMinOccurrences(n int64) Option {
	return func(c *Clusterer) { c.minOccurrences = n }
}

// WithMaxClusters overrides the per-run cluster cap.
func WithMaxClusters(n int) Option {
	return func(c *Clusterer) { c.maxClusters = n }
}

// New creates a Clusterer over the given store.
func New(store Store, logger *zap.Logger, opts ...Option) (*Clusterer, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Clusterer{
		store:          store,
		logger:         logger,
		corpusLimit:    DefaultCorpusLimit,
		minOccurrences: DefaultMinOccurrences,
		maxClusters:    DefaultMaxClusters,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Discover pulls the uncategorized corpus, groups it by normalized message,
// and returns up to the configured cap of clusters, most impactful first.
//
// Groups whose combined occurrence count falls below twice the minimum
// occurrence threshold are discarded: a pattern that barely recurs is not
// worth an oracle call.
func (c *Clusterer) Discover(ctx context.Context) ([]*pattern.ErrorCluster, error) {
	corpus, err := c.store.ListUncategorized(ctx, c.corpusLimit, c.minOccurrences)
	if err != nil {
		return nil, fmt.Errorf("loading corpus: %w", err)
	}

	groups := make(map[string]*pattern.ErrorCluster)
	topCount := make(map[string]int64)

	for i := range corpus {
		occ := &corpus[i]
		msg := occ.Message()
		if msg == "" {
			continue
		}

		normalized := Normalize(msg)
		hash := hashNormalized(normalized)

		cl, ok := groups[hash]
		if !ok {
			cl = &pattern.ErrorCluster{
				Hash:       hash,
				Normalized: normalized,
				FirstSeen:  occ.LastSeen,
				LastSeen:   occ.LastSeen,
				Status:     pattern.ClusterPending,
			}
			groups[hash] = cl
		}

		cl.OccurrenceCount += occ.Count
		cl.FingerprintCount++
		if occ.LastSeen.Before(cl.FirstSeen) {
			cl.FirstSeen = occ.LastSeen
		}
		if occ.LastSeen.After(cl.LastSeen) {
			cl.LastSeen = occ.LastSeen
		}
		if occ.Service != "" && !containsString(cl.Services, occ.Service) {
			cl.Services = append(cl.Services, occ.Service)
		}
		if len(cl.SampleMessages) < maxSampleMessages && !containsString(cl.SampleMessages, msg) {
			cl.SampleMessages = append(cl.SampleMessages, msg)
		}
		// Highest-occurrence member becomes the representative.
		if occ.Count > topCount[hash] {
			topCount[hash] = occ.Count
			cl.Representative = msg
		}
	}

	minCombined := 2 * c.minOccurrences
	clusters := make([]*pattern.ErrorCluster, 0, len(groups))
	for _, cl := range groups {
		if cl.OccurrenceCount < minCombined {
			continue
		}
		clusters = append(clusters, cl)
	}

	sort.Slice(clusters, func(i, j int) bool {
		if clusters[i].OccurrenceCount != clusters[j].OccurrenceCount {
			return clusters[i].OccurrenceCount > clusters[j].OccurrenceCount
		}
		return clusters[i].Hash < clusters[j].Hash
	})

	if len(clusters) > c.maxClusters {
		clusters = clusters[:c.maxClusters]
	}

	for _, cl := range clusters {
		if err := c.store.UpsertCluster(ctx, cl); err != nil {
			// Bookkeeping failure for one cluster must not block the
			// others.
			c.logger.Warn("failed to persist cluster",
				zap.String("hash", cl.Hash), zap.Error(err))
		}
	}

	c.logger.Info("discovery clustering complete",
		zap.Int("corpus_size", len(corpus)),
		zap.Int("groups", len(groups)),
		zap.Int("clusters", len(clusters)))

	return clusters, nil
}

// Normalize produces the comparison form of an error message: lowercase,
// whitespace collapsed, digit runs and long hex tokens replaced with
// placeholders so messages differing only in ids, counts, or addresses
// group together.
func Normalize(message string) string {
	s := strings.ToLower(strings.TrimSpace(message))
	s = hexPattern.ReplaceAllString(s, "<hex>")
	s = digitPattern.ReplaceAllString(s, "<num>")
	s = whitespacePattern.ReplaceAllString(s, " ")
	return s
}

func hashNormalized(normalized string) string {
	h := fnv.New64a()
	h.Write([]byte(normalized))
	return fmt.Sprintf("%016x", h.Sum64())
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
