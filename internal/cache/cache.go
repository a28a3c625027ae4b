// Package cache provides the fast key-value layer shared by the pipeline
// and the runtime classifier: the compiled-rule cache and short-TTL
// coordination tokens.
//
// Backed by Badger, an embedded key-value store with per-entry TTL. The
// approved-rule set lives under one well-known key with a 7-day safety
// expiry; every discovery and evaluation run refreshes it, so staleness is
// bounded even if a refresh step is skipped.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/noisegate/internal/rules"
)

const (
	// RulesKey is the well-known key holding the approved rule set.
	RulesKey = "noisegate:rules:approved"

	// RulesTTL is the safety expiry on the rule set.
	RulesTTL = 7 * 24 * time.Hour

	// lockPrefix namespaces coordination tokens.
	lockPrefix = "noisegate:lock:"
)

// ErrNotFound indicates the requested key is absent or expired.
var ErrNotFound = errors.New("cache key not found")

// CachedRule is the wire form of one approved rule in the cache:
// everything the runtime classifier needs to recompile the matcher.
type CachedRule struct {
	ID       string     `json:"id"`
	Kind     rules.Kind `json:"kind"`
	Value    string     `json:"value"`
	Category string     `json:"category"`
	Scope    string     `json:"scope,omitempty"`
}

// Cache wraps the Badger database.
type Cache struct {
	db     *badger.DB
	logger *zap.Logger
}

// Open opens (or creates) the cache at dir. An empty dir opens an
// in-memory cache, used in tests.
func Open(dir string, logger *zap.Logger) (*Cache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}
	return &Cache{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// SetRules stores the approved rule set under the well-known key with the
// safety TTL.
func (c *Cache) SetRules(cached []CachedRule) error {
	payload, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("encoding rule set: %w", err)
	}

	err = c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(RulesKey), payload).WithTTL(RulesTTL)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("writing rule set: %w", err)
	}

	c.logger.Debug("rule cache refreshed", zap.Int("rules", len(cached)))
	return nil
}

// GetRules loads the approved rule set. Returns ErrNotFound when the key
// is absent or expired, which callers treat as a cache miss.
func (c *Cache) GetRules() ([]CachedRule, error) {
	var payload []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(RulesKey))
		if err != nil {
			return err
		}
		payload, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading rule set: %w", err)
	}

	var cached []CachedRule
	if err := json.Unmarshal(payload, &cached); err != nil {
		return nil, fmt.Errorf("decoding rule set: %w", err)
	}
	return cached, nil
}

// AcquireLock attempts to take a short-TTL mutual-exclusion token. Returns
// false when another holder already has it. Used as a coordination surface
// by the issue-tracking collaborator (keyed by fingerprint).
func (c *Cache) AcquireLock(key string, ttl time.Duration) (bool, error) {
	fullKey := []byte(lockPrefix + key)
	acquired := false

	err := c.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(fullKey)
		if err == nil {
			return nil // already held
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		acquired = true
		return txn.SetEntry(badger.NewEntry(fullKey, []byte("1")).WithTTL(ttl))
	})
	if err != nil {
		return false, fmt.Errorf("acquiring lock %q: %w", key, err)
	}
	return acquired, nil
}

// ReleaseLock drops a held token. Releasing an unheld token is a no-op.
func (c *Cache) ReleaseLock(key string) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(lockPrefix + key))
	})
	if err != nil {
		return fmt.Errorf("releasing lock %q: %w", key, err)
	}
	return nil
}
