// Package cache implements the SecureCache: an encrypted, integrity-checked,
// tenant-isolated result cache with LRU/LFU/FIFO eviction.
package cache

import (
	"container/list"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/sync/singleflight"
	"lukechampine.com/blake3"

	"github.com/turtacn/docbatch/internal/config"
	"github.com/turtacn/docbatch/internal/platform/logging"
	"github.com/turtacn/docbatch/internal/platform/metrics"
	"github.com/turtacn/docbatch/pkg/batch"
	"github.com/turtacn/docbatch/pkg/errors"
)

const masterKeySize = 32

// masterKey is a versioned symmetric key used to derive per-entry AEAD keys
// via HKDF. Rotation appends a new version; old versions are kept for the
// cache's lifetime so entries written under them stay decryptable.
type masterKey struct {
	version int
	secret  [masterKeySize]byte
}

type entry struct {
	key          string
	isolationKey string
	cipherValue  []byte
	nonce        []byte
	keyVersion   int
	integrityTag []byte
	createdAt    time.Time
	accessedAt   time.Time
	expiresAt    time.Time
	accessCount  int
	freq         int
	elem         *list.Element
}

// Cache is the SecureCache.
type Cache struct {
	cfg    config.CacheConfig
	logger logging.Logger
	m      *metrics.EngineMetrics

	mu       sync.Mutex
	entries  map[string]*entry
	order    *list.List // front = most-recently-used / most-recently-inserted
	keys     []masterKey
	sf       singleflight.Group
	poisoned map[string]struct{}
}

// New constructs a Cache with a freshly generated master key.
func New(cfg config.CacheConfig, logger logging.Logger, m *metrics.EngineMetrics) (*Cache, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}
	if cfg.Eviction == "" {
		cfg.Eviction = "lru"
	}

	var mk masterKey
	if _, err := io.ReadFull(rand.Reader, mk.secret[:]); err != nil {
		return nil, errors.Internal("failed to seed cache master key").WithCause(err)
	}
	mk.version = 1

	return &Cache{
		cfg:      cfg,
		logger:   logger.Named("secure_cache"),
		m:        m,
		entries:  make(map[string]*entry),
		order:    list.New(),
		keys:     []masterKey{mk},
		poisoned: make(map[string]struct{}),
	}, nil
}

// RotateKey introduces a new master key version. Entries written under
// prior versions remain decryptable until evicted or expired.
func (c *Cache) RotateKey() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var mk masterKey
	if _, err := io.ReadFull(rand.Reader, mk.secret[:]); err != nil {
		return errors.Internal("failed to generate rotated cache key").WithCause(err)
	}
	mk.version = c.keys[len(c.keys)-1].version + 1
	c.keys = append(c.keys, mk)
	c.logger.Info("cache master key rotated", logging.Int("version", mk.version))
	return nil
}

func (c *Cache) keyByVersion(version int) (masterKey, bool) {
	for _, k := range c.keys {
		if k.version == version {
			return k, true
		}
	}
	return masterKey{}, false
}

func (c *Cache) currentKey() masterKey {
	return c.keys[len(c.keys)-1]
}

func deriveEntryKey(mk masterKey, cacheKey, isolationKey string) ([]byte, error) {
	salt := []byte(isolationKey)
	info := []byte("docbatch-secure-cache:" + cacheKey)
	r := hkdf.New(sha256.New, mk.secret[:], salt, info)
	derived := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, derived); err != nil {
		return nil, err
	}
	return derived, nil
}

func integrityTag(mk masterKey, isolationKey, cacheKey string, cipherValue []byte) []byte {
	h := hmac.New(sha256.New, mk.secret[:])
	h.Write([]byte(isolationKey))
	h.Write([]byte(cacheKey))
	h.Write(cipherValue)
	return h.Sum(nil)
}

func hashKey(isolationKey, key string) string {
	h := blake3.New(32, nil)
	h.Write([]byte(isolationKey))
	h.Write([]byte{0})
	h.Write([]byte(key))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Put encrypts value and stores it under key, scoped to isolationKey. A
// zero ttl uses the configured default TTL.
func (c *Cache) Put(isolationKey, key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	plain, err := json.Marshal(value)
	if err != nil {
		return errors.InvalidParam("cache value is not serializable").WithCause(err)
	}
	if c.cfg.MaxValueBytes > 0 && len(plain) > c.cfg.MaxValueBytes {
		return errors.CacheInvalid("value exceeds max_value_bytes").WithDetail(key)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	mk := c.currentKey()
	storageKey := hashKey(isolationKey, key)

	var cipherValue []byte
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if c.cfg.Encrypted {
		derived, derr := deriveEntryKey(mk, storageKey, isolationKey)
		if derr != nil {
			return errors.Internal("failed to derive cache entry key").WithCause(derr)
		}
		aead, aerr := chacha20poly1305.New(derived)
		if aerr != nil {
			return errors.Internal("failed to construct cache AEAD cipher").WithCause(aerr)
		}
		if _, rerr := io.ReadFull(rand.Reader, nonce); rerr != nil {
			return errors.Internal("failed to generate cache nonce").WithCause(rerr)
		}
		cipherValue = aead.Seal(nil, nonce, plain, []byte(isolationKey))
	} else {
		cipherValue = plain
	}

	e := &entry{
		key:          storageKey,
		isolationKey: isolationKey,
		cipherValue:  cipherValue,
		nonce:        nonce,
		keyVersion:   mk.version,
		createdAt:    time.Now(),
		accessedAt:   time.Now(),
		expiresAt:    time.Now().Add(ttl),
	}
	e.integrityTag = integrityTag(mk, isolationKey, storageKey, cipherValue)

	if existing, ok := c.entries[storageKey]; ok {
		c.order.Remove(existing.elem)
	}
	e.elem = c.order.PushFront(e)
	c.entries[storageKey] = e
	delete(c.poisoned, storageKey)

	c.evictIfNeeded()
	if c.m != nil {
		c.m.CacheSize.WithLabelValues().Set(float64(len(c.entries)))
	}
	return nil
}

// ReadOutcome classifies a Get call.
type ReadOutcome = batch.CacheReadResult

// Get retrieves and decrypts the value for key scoped to isolationKey,
// unmarshalling into dest. Tampered or corrupted entries are quarantined
// and reported as PoisonedEntry rather than silently dropped.
func (c *Cache) Get(isolationKey, key string, dest any) (ReadOutcome, error) {
	storageKey := hashKey(isolationKey, key)

	c.mu.Lock()
	if _, bad := c.poisoned[storageKey]; bad {
		c.mu.Unlock()
		c.recordAccess(false)
		return batch.CachePoisonedEntry, errors.CachePoisoned("entry previously quarantined").WithDetail(key)
	}

	e, ok := c.entries[storageKey]
	if !ok {
		c.mu.Unlock()
		c.recordAccess(false)
		return batch.CacheMiss, nil
	}
	if e.isolationKey != isolationKey {
		c.mu.Unlock()
		c.recordAccess(false)
		return batch.CacheInvalidEntry, errors.CacheInvalid("isolation key mismatch").WithDetail(key)
	}
	if time.Now().After(e.expiresAt) {
		c.order.Remove(e.elem)
		delete(c.entries, storageKey)
		c.mu.Unlock()
		c.recordAccess(false)
		return batch.CacheExpired, nil
	}

	mk, found := c.keyByVersion(e.keyVersion)
	if !found {
		c.mu.Unlock()
		c.recordAccess(false)
		return batch.CacheInvalidEntry, errors.CacheInvalid("entry key version no longer available").WithDetail(key)
	}

	expectedTag := integrityTag(mk, e.isolationKey, e.key, e.cipherValue)
	if !hmac.Equal(expectedTag, e.integrityTag) {
		c.poisoned[storageKey] = struct{}{}
		c.order.Remove(e.elem)
		delete(c.entries, storageKey)
		c.mu.Unlock()
		c.recordAccess(false)
		if c.m != nil {
			c.m.CachePoisonedTotal.WithLabelValues().Inc()
		}
		return batch.CachePoisonedEntry, errors.CachePoisoned("integrity check failed").WithDetail(key)
	}

	var plain []byte
	if c.cfg.Encrypted {
		derived, derr := deriveEntryKey(mk, e.key, e.isolationKey)
		if derr != nil {
			c.mu.Unlock()
			return batch.CacheInvalidEntry, errors.Internal("failed to derive cache entry key").WithCause(derr)
		}
		aead, aerr := chacha20poly1305.New(derived)
		if aerr != nil {
			c.mu.Unlock()
			return batch.CacheInvalidEntry, errors.Internal("failed to construct cache AEAD cipher").WithCause(aerr)
		}
		p, derr := aead.Open(nil, e.nonce, e.cipherValue, []byte(e.isolationKey))
		if derr != nil {
			c.poisoned[storageKey] = struct{}{}
			c.order.Remove(e.elem)
			delete(c.entries, storageKey)
			c.mu.Unlock()
			c.recordAccess(false)
			return batch.CachePoisonedEntry, errors.CachePoisoned("decryption failed").WithCause(derr).WithDetail(key)
		}
		plain = p
	} else {
		plain = e.cipherValue
	}

	e.accessedAt = time.Now()
	e.accessCount++
	e.freq++
	if c.cfg.Eviction == "lru" {
		c.order.MoveToFront(e.elem)
	}
	c.mu.Unlock()

	if err := json.Unmarshal(plain, dest); err != nil {
		return batch.CacheInvalidEntry, errors.CacheInvalid("stored value failed to unmarshal").WithCause(err).WithDetail(key)
	}

	c.recordAccess(true)
	return batch.CacheHit, nil
}

func (c *Cache) recordAccess(hit bool) {
	if c.m != nil {
		metrics.RecordCacheAccess(c.m, hit)
	}
}

// GetOrCompute returns the cached value when present, otherwise computes it
// via compute (deduplicating concurrent callers for the same key with
// singleflight), stores it, and returns the fresh result.
func (c *Cache) GetOrCompute(isolationKey, key string, dest any, ttl time.Duration, compute func() (any, error)) (ReadOutcome, error) {
	if outcome, err := c.Get(isolationKey, key, dest); err == nil && outcome == batch.CacheHit {
		return outcome, nil
	}

	sfKey := isolationKey + "\x00" + key
	v, err, _ := c.sf.Do(sfKey, func() (any, error) {
		return compute()
	})
	if err != nil {
		return batch.CacheMiss, err
	}

	if putErr := c.Put(isolationKey, key, v, ttl); putErr != nil {
		c.logger.Warn("failed to populate cache after compute", logging.Err(putErr))
	}

	data, err := json.Marshal(v)
	if err != nil {
		return batch.CacheMiss, errors.Internal("computed value is not serializable").WithCause(err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return batch.CacheMiss, errors.Internal("failed to round-trip computed value").WithCause(err)
	}
	return batch.CacheMiss, nil
}

// Invalidate removes a single entry.
func (c *Cache) Invalidate(isolationKey, key string) {
	storageKey := hashKey(isolationKey, key)
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[storageKey]; ok {
		c.order.Remove(e.elem)
		delete(c.entries, storageKey)
	}
	delete(c.poisoned, storageKey)
}

// InvalidateAll drops every entry scoped to isolationKey.
func (c *Cache) InvalidateAll(isolationKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for sk, e := range c.entries {
		if e.isolationKey == isolationKey {
			c.order.Remove(e.elem)
			delete(c.entries, sk)
		}
	}
}

// Size returns the number of live entries.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) evictIfNeeded() {
	for len(c.entries) > c.cfg.MaxEntries {
		victim := c.selectVictimLocked()
		if victim == nil {
			return
		}
		c.order.Remove(victim.elem)
		delete(c.entries, victim.key)
		if c.m != nil {
			c.m.CacheEvictionsTotal.WithLabelValues(c.cfg.Eviction).Inc()
		}
	}
}

func (c *Cache) selectVictimLocked() *entry {
	switch c.cfg.Eviction {
	case "fifo":
		back := c.order.Back()
		if back == nil {
			return nil
		}
		return back.Value.(*entry)
	case "lfu":
		var victim *entry
		for _, e := range c.entries {
			if victim == nil || e.freq < victim.freq {
				victim = e
			}
		}
		return victim
	default: // "lru"
		back := c.order.Back()
		if back == nil {
			return nil
		}
		return back.Value.(*entry)
	}
}
