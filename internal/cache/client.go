package cache

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// ErrMiss is returned by Get when the key is absent or expired
var ErrMiss = errors.New("cache miss")

// Client is a key/value cache store with per-key TTL, backed by Badger
type Client struct {
	logger *zap.Logger
	db     *badger.DB
}

// Options configures the cache store
type Options struct {
	Path     string
	InMemory bool
}

// NewClient opens the cache store
func NewClient(opts Options, logger *zap.Logger) (*Client, error) {
	badgerOpts := badger.DefaultOptions(opts.Path).
		WithInMemory(opts.InMemory).
		WithLogger(nil)
	if opts.InMemory {
		badgerOpts.Dir = ""
		badgerOpts.ValueDir = ""
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache store: %w", err)
	}

	return &Client{
		logger: logger.Named("cache-client"),
		db:     db,
	}, nil
}

// Get returns the value stored under key, or ErrMiss
func (c *Client) Get(key string) ([]byte, error) {
	var value []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("failed to get cache key %s: %w", key, err)
	}
	return value, nil
}

// minTTL guards against Badger's one-second expiry granularity: a
// sub-second TTL truncates to the current second and can expire the
// entry before it is ever read.
const minTTL = time.Second

// Set stores value under key with the given TTL
func (c *Client) Set(key string, value []byte, ttl time.Duration) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			entry = entry.WithTTL(max(ttl, minTTL))
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("failed to set cache key %s: %w", key, err)
	}
	return nil
}

// Delete removes key from the cache. Deleting an absent key is not an error.
func (c *Client) Delete(key string) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("failed to delete cache key %s: %w", key, err)
	}
	return nil
}

// Keys returns all keys beginning with prefix
func (c *Client) Keys(prefix string) ([]string, error) {
	var keys []string
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan cache prefix %s: %w", prefix, err)
	}
	return keys, nil
}

// GetMany returns the subset of keys that are present
func (c *Client) GetMany(keys []string) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))
	err := c.db.View(func(txn *badger.Txn) error {
		for _, key := range keys {
			item, err := txn.Get([]byte(key))
			if err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				return err
			}
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			result[key] = value
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get cache keys: %w", err)
	}
	return result, nil
}

// SetMany stores all entries in one batched write with a shared TTL
func (c *Client) SetMany(entries map[string][]byte, ttl time.Duration) error {
	wb := c.db.NewWriteBatch()
	defer wb.Cancel()

	for key, value := range entries {
		entry := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			entry = entry.WithTTL(max(ttl, minTTL))
		}
		if err := wb.SetEntry(entry); err != nil {
			return fmt.Errorf("failed to batch cache key %s: %w", key, err)
		}
	}

	if err := wb.Flush(); err != nil {
		return fmt.Errorf("failed to flush cache batch: %w", err)
	}
	return nil
}

// HealthCheck verifies the store is responsive
func (c *Client) HealthCheck() bool {
	err := c.db.View(func(txn *badger.Txn) error { return nil })
	return err == nil
}

// Close closes the underlying store
func (c *Client) Close() error {
	return c.db.Close()
}
