// Package memory composes the raw store, privacy classifier, semantic index
// and cache layer into the two public operations: Store and Recall.
//
// The semantic index is a derived, rebuildable projection of the raw frame
// log, never a second source of truth. Index and log are eventually
// consistent; the background reconciler bounds the lag.
package memory

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrRejected is a policy refusal, such as indexing a private frame.
	// Expected during normal operation, not logged as an error.
	ErrRejected = errors.New("rejected by privacy policy")

	// ErrCollaborator indicates an embedding or vector search failure.
	// Writes degrade to raw-only, queries fail without partial results.
	ErrCollaborator = errors.New("collaborator unavailable")
)

// recordNamespace is the UUID namespace for deriving record IDs from
// frame IDs. Fixed so derivation is stable across restarts.
var recordNamespace = uuid.MustParse("9f2c41de-5387-4a61-b1fa-08c3d2e7a944")

// RecordID derives the semantic index record ID for a frame. The
// derivation is deterministic, so re-indexing the same frame always
// overwrites the same point.
func RecordID(frameID string) string {
	return uuid.NewSHA1(recordNamespace, []byte(frameID)).String()
}

// Record is a semantic index entry. The embedding lives in the vector
// store; the record only carries searchable text and a back-reference to
// the frame it was derived from.
type Record struct {
	// ID is derived from SourceFrameID via RecordID.
	ID string

	// Collection is the index partition holding the record. Membership
	// is immutable; corrections are delete and reinsert.
	Collection string

	// Text is the searchable content.
	Text string

	// Metadata holds additional payload fields stored alongside the vector.
	Metadata map[string]string

	// SourceFrameID references the backing frame in the raw store.
	SourceFrameID string
}

// Hit is a scored query result from the semantic index.
type Hit struct {
	Record Record

	// Score is the similarity to the query, higher is closer.
	Score float32

	// CreatedAt is the backing frame's append time, used as a stable
	// tie-break when scores are equal.
	CreatedAt time.Time
}
