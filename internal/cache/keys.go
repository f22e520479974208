package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// EmbeddingKey builds the embedding-cache key for a text. Embeddings of
// identical text never change, so the key is the content hash alone.
func EmbeddingKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// queryKeySep cannot occur in a collection name (names are ^[a-z0-9_]{1,64}$).
const queryKeySep = "|"

// QueryKey builds the query-result cache key from normalized query text and
// the collection scope. An empty collection means an unscoped query.
func QueryKey(query, collection string) string {
	return collection + queryKeySep + NormalizeQuery(query)
}

// QueryKeyCollection extracts the collection scope from a query-cache key.
func QueryKeyCollection(key string) string {
	idx := strings.Index(key, queryKeySep)
	if idx < 0 {
		return ""
	}
	return key[:idx]
}

// NormalizeQuery canonicalizes query text for cache lookup: lowercased,
// whitespace collapsed.
func NormalizeQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}
