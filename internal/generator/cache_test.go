package generator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func testCache(t *testing.T) *Cache {
	t.Helper()
	c, err := NewCache(filepath.Join(t.TempDir(), "bgpq4"))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func testPolicy(key string) *PrefixListPolicy {
	return &PrefixListPolicy{
		ASNumber:    13335,
		PolicyName:  "AS13335",
		Content:     "prefix-list AS13335 { 1.1.1.0/24; }",
		GeneratedAt: time.Now().UTC(),
		CacheKey:    key,
	}
}

func TestCachePutGet(t *testing.T) {
	c := testCache(t)

	if err := c.Put("abc123", testPolicy("abc123")); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	got, ok := c.Get("abc123", time.Hour)
	if !ok {
		t.Fatal("Get() missed a fresh entry")
	}
	if got.ASNumber != 13335 || got.Content == "" {
		t.Errorf("entry = %+v", got)
	}
}

func TestCacheMissAbsent(t *testing.T) {
	c := testCache(t)
	if _, ok := c.Get("nothere", time.Hour); ok {
		t.Error("Get() hit on absent entry")
	}
}

func TestCacheExpiry(t *testing.T) {
	c := testCache(t)
	if err := c.Put("k", testPolicy("k")); err != nil {
		t.Fatal(err)
	}

	// Backdate the entry beyond the TTL.
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(c.entryPath("k"), old, old); err != nil {
		t.Fatal(err)
	}

	if _, ok := c.Get("k", time.Hour); ok {
		t.Error("Get() hit on expired entry")
	}
}

func TestCacheDiscardsCorruptEntry(t *testing.T) {
	c := testCache(t)
	if err := os.WriteFile(c.entryPath("bad"), []byte("{truncated"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, ok := c.Get("bad", time.Hour); ok {
		t.Error("Get() hit on corrupt entry")
	}
	if _, err := os.Stat(c.entryPath("bad")); !os.IsNotExist(err) {
		t.Error("corrupt entry not discarded")
	}
}

func TestCacheDiscardsKeyMismatch(t *testing.T) {
	c := testCache(t)
	// Entry content claims a different key than its filename.
	if err := c.Put("filename-key", testPolicy("other-key")); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get("filename-key", time.Hour); ok {
		t.Error("Get() accepted an entry whose recorded key mismatches")
	}
}

func TestCacheConcurrentWritersSameKey(t *testing.T) {
	c := testCache(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if err := c.Put("shared", testPolicy("shared")); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	got, ok := c.Get("shared", time.Hour)
	if !ok {
		t.Fatal("entry missing after concurrent writes")
	}
	if got.CacheKey != "shared" || got.Content == "" {
		t.Errorf("entry corrupted: %+v", got)
	}
}

func TestGenerateCacheHitSkipsInvocation(t *testing.T) {
	c := testCache(t)
	fr := &fakeRunner{output: map[string]string{"AS13335": "generated-content"}}
	g := testGenerator(t, testConfig(), fr, c)

	first := g.GenerateOne(context.Background(), 13335, "")
	if !first.Ok() {
		t.Fatal(first.Err)
	}
	callsAfterFirst := fr.callCount()

	second := g.GenerateOne(context.Background(), 13335, "")
	if !second.Ok() {
		t.Fatal(second.Err)
	}
	if fr.callCount() != callsAfterFirst {
		t.Error("cache hit still invoked bgpq4")
	}
	if second.Policy.Content != first.Policy.Content {
		t.Error("cache returned different content")
	}
}

func TestGenerateCacheKeyVariesWithConfig(t *testing.T) {
	fr := &fakeRunner{}
	base := testGenerator(t, testConfig(), fr, nil)

	altCfg := testConfig()
	altCfg.IRRSource = "RIPE"
	alt := testGenerator(t, altCfg, fr, nil)

	// Same version path (fake runner), different IRR source: keys differ.
	if base.cacheKey(13335, "AS13335") == alt.cacheKey(13335, "AS13335") {
		t.Error("cache key must change with irr_source")
	}
	if base.cacheKey(13335, "AS13335") == base.cacheKey(13336, "AS13336") {
		t.Error("cache key must change with AS")
	}
	if base.cacheKey(13335, "AS13335") != base.cacheKey(13335, "AS13335") {
		t.Error("cache key must be deterministic")
	}
}
