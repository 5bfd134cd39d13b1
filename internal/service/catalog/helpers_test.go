package catalog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/animus-labs/catalog-go/internal/domain"
	"github.com/animus-labs/catalog-go/internal/repo"
	"github.com/animus-labs/catalog-go/internal/repo/memory"
)

func ptr[T any](v T) *T { return &v }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func contentDef(id, name string) domain.ContentDefinition {
	return domain.ContentDefinition{
		BusinessID: id,
		Type:       ptr("yum"),
		Label:      ptr("l1"),
		Name:       ptr(name),
		Vendor:     ptr("v1"),
	}
}

func productDef(id string, contentIDs []string, provided ...string) domain.ProductDefinition {
	var content []domain.ProductContent
	for _, cid := range contentIDs {
		content = append(content, domain.ProductContent{ContentID: cid, Enabled: true})
	}
	return domain.ProductDefinition{
		BusinessID:       id,
		Name:             ptr(id + " name"),
		Content:          content,
		ProvidedProducts: provided,
	}
}

type stubRegenerator struct {
	err   error
	calls []regenCall
}

type regenCall struct {
	owners     []string
	dependents []string
	force      bool
}

func (r *stubRegenerator) RegenerateArtifactsFor(_ context.Context, owners, dependents []string, force bool) error {
	r.calls = append(r.calls, regenCall{owners: owners, dependents: dependents, force: force})
	return r.err
}

type testEnv struct {
	svc   *Service
	store *memory.Store
	regen *stubRegenerator
}

type envOption func(*envConfig)

type envConfig struct {
	cfg    Config
	tx     func(*memory.Store) repo.TxRunner
	reader func(*memory.Store) repo.EntityStore
}

func withConfig(cfg Config) envOption {
	return func(c *envConfig) { c.cfg = cfg }
}

func withStoreWrapper(wrap func(repo.EntityStore) repo.EntityStore) envOption {
	return func(c *envConfig) {
		c.tx = func(store *memory.Store) repo.TxRunner {
			return wrapTx{inner: store, wrap: wrap}
		}
	}
}

func withReader(reader func(*memory.Store) repo.EntityStore) envOption {
	return func(c *envConfig) { c.reader = reader }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	store := memory.NewStore(discardLogger())
	conf := envConfig{
		cfg:    DefaultConfig(),
		tx:     func(s *memory.Store) repo.TxRunner { return s },
		reader: func(s *memory.Store) repo.EntityStore { return s },
	}
	for _, opt := range opts {
		opt(&conf)
	}
	regenerator := &stubRegenerator{}
	svc, err := NewService(conf.tx(store), conf.reader(store), regenerator, conf.cfg, discardLogger())
	if err != nil {
		t.Fatalf("NewService() err=%v", err)
	}
	seq := 0
	svc.newID = func() string {
		seq++
		return fmt.Sprintf("sid-%04d", seq)
	}
	svc.now = func() time.Time { return time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC) }
	return &testEnv{svc: svc, store: store, regen: regenerator}
}

func scope(owner string) Scope {
	return Scope{OwnerID: owner, Actor: "tester", RequestID: "req-" + owner}
}

func (e *testEnv) create(t *testing.T, owner string, def domain.Definition) domain.ChangeResult {
	t.Helper()
	res, err := e.svc.CreateEntity(context.Background(), scope(owner), def, Options{})
	if err != nil {
		t.Fatalf("CreateEntity(%s, %s) err=%v", owner, def.ID(), err)
	}
	return res
}

func (e *testEnv) update(t *testing.T, owner string, def domain.Definition, opts Options) domain.ChangeResult {
	t.Helper()
	res, err := e.svc.UpdateEntity(context.Background(), scope(owner), def, opts)
	if err != nil {
		t.Fatalf("UpdateEntity(%s, %s) err=%v", owner, def.ID(), err)
	}
	return res
}

func (e *testEnv) mapped(t *testing.T, owner string, kind domain.Kind, id string) domain.Entity {
	t.Helper()
	entity, err := e.svc.GetOwnerEntity(context.Background(), scope(owner), kind, id)
	if err != nil {
		t.Fatalf("GetOwnerEntity(%s, %s/%s) err=%v", owner, kind, id, err)
	}
	return entity
}

func refTo(e domain.Entity, kind domain.Kind, id string) (domain.Reference, bool) {
	for _, ref := range e.References {
		if ref.Kind == kind && ref.BusinessID == id {
			return ref, true
		}
	}
	return domain.Reference{}, false
}

// wrapTx decorates the transaction-bound entity store.
type wrapTx struct {
	inner repo.TxRunner
	wrap  func(repo.EntityStore) repo.EntityStore
}

func (w wrapTx) InTx(ctx context.Context, fn func(ctx context.Context, stores repo.Stores) error) error {
	return w.inner.InTx(ctx, func(ctx context.Context, stores repo.Stores) error {
		stores.Entities = w.wrap(stores.Entities)
		return fn(ctx, stores)
	})
}

// countingStore records lookup calls and the largest batch seen.
type countingStore struct {
	repo.EntityStore
	calls    map[string]int
	maxBatch map[string]int
}

func newCountingStore() *countingStore {
	return &countingStore{calls: map[string]int{}, maxBatch: map[string]int{}}
}

func (c *countingStore) record(name string, n int) {
	c.calls[name]++
	if n > c.maxBatch[name] {
		c.maxBatch[name] = n
	}
}

func (c *countingStore) FetchByBusinessIDs(ctx context.Context, ownerID string, kind domain.Kind, ids []string) (map[string]domain.Entity, error) {
	c.record("FetchByBusinessIDs", len(ids))
	return c.EntityStore.FetchByBusinessIDs(ctx, ownerID, kind, ids)
}

func (c *countingStore) FetchByVersions(ctx context.Context, kind domain.Kind, keys []repo.VersionKey) ([]domain.Entity, error) {
	c.record("FetchByVersions", len(keys))
	return c.EntityStore.FetchByVersions(ctx, kind, keys)
}

func (c *countingStore) FetchDependents(ctx context.Context, ownerID string, ids []string) ([]domain.Entity, error) {
	c.record("FetchDependents", len(ids))
	return c.EntityStore.FetchDependents(ctx, ownerID, ids)
}

// racingStore commits a competing row for every staged entity just before
// the batch insert, as a concurrent transaction would.
type racingStore struct {
	repo.EntityStore
	collide bool
	raced   bool
}

func (r *racingStore) CreateBatch(ctx context.Context, entities []domain.Entity) ([]domain.Entity, error) {
	if !r.raced {
		r.raced = true
		winners := make([]domain.Entity, 0, len(entities))
		for _, e := range entities {
			w := e
			w.SurrogateID = "winner-" + e.BusinessID
			if r.collide {
				w.Fields = domain.Content{Type: "yum", Label: "l1", Name: "other", Vendor: "v1"}
			}
			winners = append(winners, w)
		}
		if _, err := r.EntityStore.CreateBatch(ctx, winners); err != nil {
			return nil, err
		}
	}
	return r.EntityStore.CreateBatch(ctx, entities)
}

// duplicatingStore reports a second equal row for every version match.
type duplicatingStore struct {
	repo.EntityStore
}

func (d *duplicatingStore) FetchByVersions(ctx context.Context, kind domain.Kind, keys []repo.VersionKey) ([]domain.Entity, error) {
	found, err := d.EntityStore.FetchByVersions(ctx, kind, keys)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Entity, 0, 2*len(found))
	for _, e := range found {
		dup := e
		dup.SurrogateID = "sid-9999"
		out = append(out, dup, e)
	}
	return out, nil
}
