package generator

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// Cache is a process-safe on-disk policy cache. Entries are JSON files
// named by key digest; writes go to a temp file and rename into place
// under a per-key advisory lock, so concurrent workers for the same key
// never expose partial files. Readers treat absent or corrupt entries as
// a miss.
type Cache struct {
	dir string
}

// NewCache opens (creating if needed) the cache directory.
func NewCache(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	return &Cache{dir: dir}, nil
}

// cacheKey digests everything that changes bgpq4 output for an AS.
func (g *Generator) cacheKey(as uint32, name string) string {
	h := sha256.New()
	fmt.Fprintf(h, "as=%d\nname=%s\nmode=%s\nirr=%s\naggregate=%t\nv4=%t\nv6=%t\nversion=%s\n",
		as, name, g.cfg.Mode, g.cfg.IRRSource,
		g.cfg.Aggregate, g.cfg.IPv4Enabled, g.cfg.IPv6Enabled,
		g.bgpq4Version(),
	)
	return hex.EncodeToString(h.Sum(nil))[:32]
}

func (c *Cache) entryPath(key string) string {
	return filepath.Join(c.dir, key+".json")
}

func (c *Cache) lockPath(key string) string {
	return filepath.Join(c.dir, key+".lock")
}

// Get returns the cached policy for key if present, intact and fresh.
// Corrupt entries are discarded on sight.
func (c *Cache) Get(key string, ttl time.Duration) (*PrefixListPolicy, bool) {
	path := c.entryPath(key)

	info, err := os.Stat(path)
	if err != nil {
		return nil, false
	}
	if ttl > 0 && time.Since(info.ModTime()) > ttl {
		return nil, false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}

	var policy PrefixListPolicy
	if err := json.Unmarshal(data, &policy); err != nil || policy.CacheKey != key {
		os.Remove(path)
		return nil, false
	}
	return &policy, true
}

// Put stores a policy under key. Write-to-temp plus rename keeps the entry
// atomic; the flock serializes same-key writers (last writer wins on
// identical content).
func (c *Cache) Put(key string, policy *PrefixListPolicy) error {
	fl := flock.New(c.lockPath(key))
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("locking cache entry: %w", err)
	}
	defer fl.Unlock()

	data, err := json.MarshalIndent(policy, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}

	tmp, err := os.CreateTemp(c.dir, key+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp cache file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp cache file: %w", err)
	}

	if err := os.Rename(tmpName, c.entryPath(key)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publishing cache entry: %w", err)
	}
	return nil
}
