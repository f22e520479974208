package vectorstore

// Point is a stored vector with its payload.
type Point struct {
	// ID uniquely identifies the point within its collection.
	// Must be a UUID string for compatibility with all backends.
	ID string

	// Vector is the embedding. Length must match the collection's
	// configured vector size.
	Vector []float32

	// Text is the original content the vector was derived from.
	Text string

	// Metadata holds additional payload fields.
	Metadata map[string]string
}

// ScoredPoint is a query result with its similarity score.
type ScoredPoint struct {
	Point

	// Score is the similarity to the query vector, higher is closer.
	// Cosine similarity in [-1, 1] for both backends.
	Score float32
}
