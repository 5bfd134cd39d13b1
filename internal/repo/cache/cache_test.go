package cache

import (
	"context"
	"errors"
	"testing"

	"github.com/animus-labs/catalog-go/internal/domain"
	"github.com/animus-labs/catalog-go/internal/repo"
)

type countingStore struct {
	repo.EntityStore
	entities map[string]domain.Entity
	calls    int
}

func (s *countingStore) FetchByID(_ context.Context, id string) (domain.Entity, error) {
	s.calls++
	entity, ok := s.entities[id]
	if !ok {
		return domain.Entity{}, repo.ErrNotFound
	}
	return entity, nil
}

func TestFetchByIDReadsThrough(t *testing.T) {
	next := &countingStore{entities: map[string]domain.Entity{
		"s1": {SurrogateID: "s1", Kind: domain.KindContent, BusinessID: "c1", Version: "v1"},
	}}
	store, err := NewEntityStore(next, 2, nil)
	if err != nil {
		t.Fatalf("NewEntityStore() err=%v", err)
	}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		entity, err := store.FetchByID(ctx, "s1")
		if err != nil {
			t.Fatalf("FetchByID() err=%v", err)
		}
		if entity.BusinessID != "c1" {
			t.Fatalf("unexpected entity %+v", entity)
		}
	}
	if next.calls != 1 {
		t.Fatalf("expected 1 backing call, got %d", next.calls)
	}

	store.Invalidate("s1")
	if _, err := store.FetchByID(ctx, "s1"); err != nil {
		t.Fatalf("FetchByID() err=%v", err)
	}
	if next.calls != 2 {
		t.Fatalf("expected invalidation to force a reload, got %d calls", next.calls)
	}
}

func TestFetchByIDDoesNotCacheMisses(t *testing.T) {
	next := &countingStore{entities: map[string]domain.Entity{}}
	store, err := NewEntityStore(next, 0, nil)
	if err != nil {
		t.Fatalf("NewEntityStore() err=%v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := store.FetchByID(context.Background(), "missing"); !errors.Is(err, repo.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	}
	if next.calls != 2 || store.Len() != 0 {
		t.Fatalf("misses must not be cached: calls=%d len=%d", next.calls, store.Len())
	}
}

func TestNewEntityStoreRequiresBackingStore(t *testing.T) {
	if _, err := NewEntityStore(nil, 1, nil); err == nil {
		t.Fatalf("expected error for nil store")
	}
}
