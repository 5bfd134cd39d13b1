package cache

import (
	"context"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/animus-labs/catalog-go/internal/domain"
	"github.com/animus-labs/catalog-go/internal/repo"
)

// DefaultSize is the default number of canonical entities kept in memory.
const DefaultSize = 4096

// EntityStore caches canonical entities by surrogate id in front of another
// store. Canonical rows never change semantically, so only the orphan marker
// can go stale; writers call Invalidate for every id they touch.
type EntityStore struct {
	repo.EntityStore
	entities *lru.Cache[string, domain.Entity]
	logger   *slog.Logger
}

func NewEntityStore(next repo.EntityStore, size int, logger *slog.Logger) (*EntityStore, error) {
	if next == nil {
		return nil, fmt.Errorf("entity store is required")
	}
	if size <= 0 {
		size = DefaultSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &EntityStore{EntityStore: next, logger: logger}
	entities, err := lru.NewWithEvict[string, domain.Entity](size, s.handleEviction)
	if err != nil {
		return nil, fmt.Errorf("create entity cache: %w", err)
	}
	s.entities = entities
	return s, nil
}

func (s *EntityStore) FetchByID(ctx context.Context, surrogateID string) (domain.Entity, error) {
	if entity, ok := s.entities.Get(surrogateID); ok {
		return entity, nil
	}
	entity, err := s.EntityStore.FetchByID(ctx, surrogateID)
	if err != nil {
		return domain.Entity{}, err
	}
	s.entities.Add(surrogateID, entity)
	return entity, nil
}

// Invalidate drops cached entries for the given surrogate ids.
func (s *EntityStore) Invalidate(surrogateIDs ...string) {
	for _, id := range surrogateIDs {
		s.entities.Remove(id)
	}
}

func (s *EntityStore) Len() int {
	return s.entities.Len()
}

func (s *EntityStore) handleEviction(key string, _ domain.Entity) {
	s.logger.Debug("entity evicted from cache", "surrogate_id", key)
}
