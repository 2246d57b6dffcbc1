package knowledge

import "context"

// Store is the knowledge store contract consumed by factsync.
//
// Implementations must be safe for concurrent use. Calls may block on I/O or
// on the store's own locking; cancellation and timeouts, if any, are carried
// by ctx.
type Store interface {
	// Insert adds a fact and returns its handle.
	Insert(ctx context.Context, fact Fact) (Handle, error)

	// Update replaces the fact referenced by handle.
	// Returns an error matching ErrFactNotFound if the handle is not live.
	Update(ctx context.Context, handle Handle, fact Fact) error

	// Retract removes the fact referenced by handle.
	// Returns an error matching ErrFactNotFound if the handle is not live.
	Retract(ctx context.Context, handle Handle) error

	// Scan returns the handles of all facts currently held that satisfy
	// predicate. The order of the result is unspecified.
	Scan(ctx context.Context, predicate Predicate) ([]Handle, error)
}

// Record pairs a fact with its handle.
type Record struct {
	Handle Handle `json:"handle"`
	Fact   Fact   `json:"fact"`
}

// Browser is implemented by stores that can enumerate and fetch facts.
// It is used by tooling, never by the synchronization path.
type Browser interface {
	// Get returns the fact referenced by handle.
	Get(ctx context.Context, handle Handle) (Fact, error)

	// List returns every fact held by the store.
	List(ctx context.Context) ([]Record, error)
}
