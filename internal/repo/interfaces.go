package repo

import (
	"context"
	"errors"
	"time"

	"github.com/animus-labs/catalog-go/internal/domain"
)

var ErrNotFound = errors.New("not found")

// ErrStaleMapping reports that an owner mapping moved after it was read. The
// whole transaction must be retried against the new mapping.
var ErrStaleMapping = errors.New("owner mapping changed concurrently")

// VersionKey addresses one canonical entity version within a kind.
type VersionKey struct {
	BusinessID string
	Version    string
}

// OwnerMapping is an owner's current reference to a canonical entity.
type OwnerMapping struct {
	OwnerID     string
	Kind        domain.Kind
	BusinessID  string
	SurrogateID string
	UpdatedAt   time.Time
}

// EntityStore persists canonical entities and owner mappings. Canonical rows
// are immutable; only owner mappings and orphan markers change.
type EntityStore interface {
	FetchByID(ctx context.Context, surrogateID string) (domain.Entity, error)
	// FetchByBusinessIDs returns the entities currently mapped by the owner,
	// keyed by business id. Unmapped ids are absent from the result.
	FetchByBusinessIDs(ctx context.Context, ownerID string, kind domain.Kind, businessIDs []string) (map[string]domain.Entity, error)
	// FetchByVersions looks up versions across all owners.
	FetchByVersions(ctx context.Context, kind domain.Kind, keys []VersionKey) ([]domain.Entity, error)
	// FetchDependents returns entities mapped by the owner that embed any of
	// the given surrogate ids.
	FetchDependents(ctx context.Context, ownerID string, surrogateIDs []string) ([]domain.Entity, error)
	// CreateBatch inserts new entities with their references. Entities whose
	// (kind, business id, version) already exists are skipped and returned.
	CreateBatch(ctx context.Context, entities []domain.Entity) ([]domain.Entity, error)
	// UpsertOwnerMappings sets the owner's mapping; the last write wins.
	UpsertOwnerMappings(ctx context.Context, mappings []OwnerMapping) error
	// RewriteOwnerReferences redirects the owner's mappings from old to new
	// surrogate ids. It returns ErrStaleMapping when an old id is no longer
	// mapped by the owner.
	RewriteOwnerReferences(ctx context.Context, ownerID string, replacements map[string]string) error
	DeleteOwnerMappings(ctx context.Context, ownerID string, kind domain.Kind, businessIDs []string) error
	ListOwnerMappings(ctx context.Context, ownerID string, kind domain.Kind) ([]OwnerMapping, error)
	// MarkOrphaned stamps the given entities that no owner maps any more and
	// returns the ids it stamped.
	MarkOrphaned(ctx context.Context, surrogateIDs []string, at time.Time) ([]string, error)
}

// AuditEventAppender ensures append-only audit writes.
type AuditEventAppender interface {
	Append(ctx context.Context, event domain.AuditEvent) (int64, error)
}

// Stores are bound to one transaction.
type Stores struct {
	Entities EntityStore
	Audit    AuditEventAppender
}

// TxRunner executes fn inside a single transaction. fn may be invoked more
// than once when the transaction is retried and must not keep state between
// attempts.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context, stores Stores) error) error
}
