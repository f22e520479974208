package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetPut(t *testing.T) {
	c := New(time.Minute, 10)

	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Put("k", "v")
	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", got)
}

func TestTTLExpiry_LazyOnGet(t *testing.T) {
	c := New(time.Minute, 10)

	base := time.Now()
	timeNow = func() time.Time { return base }
	defer func() { timeNow = time.Now }()

	c.Put("k", "v")

	// Still fresh just before expiry.
	timeNow = func() time.Time { return base.Add(59 * time.Second) }
	_, ok := c.Get("k")
	assert.True(t, ok)

	// Expired entries are removed on access.
	timeNow = func() time.Time { return base.Add(61 * time.Second) }
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestPutTTL_Override(t *testing.T) {
	c := New(time.Minute, 10)

	base := time.Now()
	timeNow = func() time.Time { return base }
	defer func() { timeNow = time.Now }()

	c.PutTTL("k", "v", 10*time.Second)

	timeNow = func() time.Time { return base.Add(11 * time.Second) }
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestLRUEviction_ExactlyLeastRecentlyUsed(t *testing.T) {
	c := New(time.Minute, 3)

	base := time.Now()
	now := base
	timeNow = func() time.Time { return now }
	defer func() { timeNow = time.Now }()

	for i, key := range []string{"a", "b", "c"} {
		now = base.Add(time.Duration(i) * time.Second)
		c.Put(key, i)
	}

	// Touch "a" so "b" becomes least recently used.
	now = base.Add(10 * time.Second)
	_, ok := c.Get("a")
	require.True(t, ok)

	// The 4th insert evicts exactly "b".
	now = base.Add(11 * time.Second)
	c.Put("d", 3)

	assert.Equal(t, 3, c.Len())
	_, ok = c.Get("b")
	assert.False(t, ok)
	for _, key := range []string{"a", "c", "d"} {
		_, ok := c.Get(key)
		assert.True(t, ok, "expected %q to survive eviction", key)
	}
}

func TestPut_ReplaceDoesNotEvict(t *testing.T) {
	c := New(time.Minute, 2)
	c.Put("a", 1)
	c.Put("b", 2)

	// Replacing an existing key at capacity must not evict anything.
	c.Put("a", 10)
	assert.Equal(t, 2, c.Len())

	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 10, got)
}

func TestAccessCount(t *testing.T) {
	c := New(time.Minute, 10)
	c.Put("k", "v")

	for i := 0; i < 3; i++ {
		_, ok := c.Get("k")
		require.True(t, ok)
	}

	entry, ok := c.Peek("k")
	require.True(t, ok)
	assert.Equal(t, int64(3), entry.AccessCount)
}

func TestInvalidate_Predicate(t *testing.T) {
	c := New(time.Minute, 10)
	for i := 0; i < 5; i++ {
		c.Put(fmt.Sprintf("technical|q%d", i), i)
	}
	c.Put("conversational|hello", "x")

	removed := c.Invalidate(func(key string) bool {
		return QueryKeyCollection(key) == "technical"
	})
	assert.Equal(t, 5, removed)
	assert.Equal(t, 1, c.Len())

	_, ok := c.Get("conversational|hello")
	assert.True(t, ok)
}

func TestClearAndDelete(t *testing.T) {
	c := New(time.Minute, 10)
	c.Put("a", 1)
	c.Put("b", 2)

	c.Delete("a")
	assert.Equal(t, 1, c.Len())

	c.Clear()
	assert.Zero(t, c.Len())
}

func TestNormalizeQuery(t *testing.T) {
	assert.Equal(t, "session storage decision", NormalizeQuery("  Session   STORAGE decision "))
	assert.Equal(t, NormalizeQuery("a b"), NormalizeQuery("A\tB"))
}

func TestQueryKey_ScopeRoundTrip(t *testing.T) {
	key := QueryKey("What DID we choose?", "technical")
	assert.Equal(t, "technical", QueryKeyCollection(key))

	unscoped := QueryKey("anything", "")
	assert.Equal(t, "", QueryKeyCollection(unscoped))
}

func TestEmbeddingKey_Deterministic(t *testing.T) {
	assert.Equal(t, EmbeddingKey("same"), EmbeddingKey("same"))
	assert.NotEqual(t, EmbeddingKey("one"), EmbeddingKey("two"))
	assert.Len(t, EmbeddingKey("x"), 64)
}
