package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/animus-labs/catalog-go/internal/domain"
	"github.com/animus-labs/catalog-go/internal/repo"
	"github.com/animus-labs/catalog-go/internal/repo/cache"
	"github.com/animus-labs/catalog-go/internal/repo/memory"
)

func TestSharedCreateThenForkOnUpdate(t *testing.T) {
	env := newTestEnv(t)

	a := env.create(t, "A", contentDef("c1", "n1"))
	if a.Outcome != domain.OutcomeCreated {
		t.Fatalf("expected created, got %s", a.Outcome)
	}
	b := env.create(t, "B", contentDef("c1", "n1"))
	if b.Outcome != domain.OutcomeReused {
		t.Fatalf("expected reused, got %s", b.Outcome)
	}
	original := a.Entity.SurrogateID
	if b.Entity.SurrogateID != original {
		t.Fatalf("owners resolved to different surrogates: %s vs %s", original, b.Entity.SurrogateID)
	}
	if n := env.store.EntityCount(domain.KindContent, "c1"); n != 1 {
		t.Fatalf("expected 1 canonical record, got %d", n)
	}
	if n := env.store.MappingCount(original); n != 2 {
		t.Fatalf("expected 2 mappings, got %d", n)
	}

	updated := env.update(t, "A", domain.ContentDefinition{BusinessID: "c1", Name: ptr("n2")}, Options{})
	if updated.Outcome != domain.OutcomeForked {
		t.Fatalf("expected forked, got %s", updated.Outcome)
	}
	if updated.Entity.SurrogateID == original {
		t.Fatalf("update must not reuse the shared surrogate")
	}
	if updated.Previous == nil || updated.Previous.SurrogateID != original {
		t.Fatalf("expected previous entity to be the original")
	}
	if len(updated.Orphaned) != 0 {
		t.Fatalf("original is still mapped by B, got orphaned %v", updated.Orphaned)
	}
	if n := env.store.MappingCount(updated.Entity.SurrogateID); n != 1 {
		t.Fatalf("expected new version mapped only by A, got %d", n)
	}

	forA := env.mapped(t, "A", domain.KindContent, "c1")
	if forA.SurrogateID != updated.Entity.SurrogateID {
		t.Fatalf("A maps %s, want %s", forA.SurrogateID, updated.Entity.SurrogateID)
	}
	forB := env.mapped(t, "B", domain.KindContent, "c1")
	if forB.SurrogateID != original {
		t.Fatalf("B mapping moved to %s", forB.SurrogateID)
	}
	if name := forB.Fields.(domain.Content).Name; name != "n1" {
		t.Fatalf("B sees name %q, want n1", name)
	}
	stored, err := env.svc.GetEntity(context.Background(), original)
	if err != nil {
		t.Fatalf("GetEntity() err=%v", err)
	}
	if stored.Version != a.Entity.Version || stored.OrphanedAt != nil {
		t.Fatalf("original canonical record changed: %+v", stored)
	}
}

func TestCreateTwiceForSameOwnerKeepsOneRecord(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "A", contentDef("c1", "n1"))

	_, err := env.svc.CreateEntity(context.Background(), scope("A"), contentDef("c1", "n1"), Options{})
	if !errors.Is(err, domain.ErrState) {
		t.Fatalf("expected state error, got %v", err)
	}
	if n := env.store.EntityCount(domain.KindContent, "c1"); n != 1 {
		t.Fatalf("expected 1 canonical record, got %d", n)
	}
	mappings, err := env.store.ListOwnerMappings(context.Background(), "A", domain.KindContent)
	if err != nil {
		t.Fatalf("ListOwnerMappings() err=%v", err)
	}
	if len(mappings) != 1 {
		t.Fatalf("expected 1 mapping, got %d", len(mappings))
	}
}

func TestCreateRejectsMissingRequiredField(t *testing.T) {
	env := newTestEnv(t)
	def := contentDef("c1", "n1")
	def.Vendor = nil

	_, err := env.svc.CreateEntity(context.Background(), scope("A"), def, Options{})
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if verr.BusinessID != "c1" || verr.Field != "vendor" {
		t.Fatalf("unexpected validation error %+v", verr)
	}
}

func TestCreateRequiresOwner(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.CreateEntity(context.Background(), Scope{}, contentDef("c1", "n1"), Options{})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCreateProductRequiresMappedContent(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.CreateEntity(context.Background(), scope("A"), productDef("p1", []string{"c1"}), Options{})
	if !errors.Is(err, domain.ErrState) {
		t.Fatalf("expected state error, got %v", err)
	}
	if n := env.store.EntityCount(domain.KindProduct, "p1"); n != 0 {
		t.Fatalf("expected no product rows, got %d", n)
	}
}

func TestUpdateConvergesOntoExistingAlternate(t *testing.T) {
	env := newTestEnv(t)
	original := env.create(t, "A", contentDef("c1", "n1")).Entity
	env.create(t, "B", contentDef("c1", "n1"))
	forked := env.update(t, "A", domain.ContentDefinition{BusinessID: "c1", Name: ptr("n2")}, Options{})

	converged := env.update(t, "B", domain.ContentDefinition{BusinessID: "c1", Name: ptr("n2")}, Options{})
	if converged.Outcome != domain.OutcomeConverged {
		t.Fatalf("expected converged, got %s", converged.Outcome)
	}
	if converged.Entity.SurrogateID != forked.Entity.SurrogateID {
		t.Fatalf("B resolved to %s, want %s", converged.Entity.SurrogateID, forked.Entity.SurrogateID)
	}
	if n := env.store.EntityCount(domain.KindContent, "c1"); n != 2 {
		t.Fatalf("expected 2 canonical records, got %d", n)
	}
	if len(converged.Orphaned) != 1 || converged.Orphaned[0] != original.SurrogateID {
		t.Fatalf("expected original to be orphaned, got %v", converged.Orphaned)
	}
	stored, err := env.svc.GetEntity(context.Background(), original.SurrogateID)
	if err != nil {
		t.Fatalf("GetEntity() err=%v", err)
	}
	if stored.OrphanedAt == nil {
		t.Fatalf("expected orphan marker on unmapped original")
	}

	// Remapping the orphan clears its marker.
	back := env.update(t, "A", domain.ContentDefinition{BusinessID: "c1", Name: ptr("n1")}, Options{})
	if back.Entity.SurrogateID != original.SurrogateID || back.Outcome != domain.OutcomeConverged {
		t.Fatalf("expected A to converge back onto the original, got %s (%s)", back.Entity.SurrogateID, back.Outcome)
	}
	stored, err = env.svc.GetEntity(context.Background(), original.SurrogateID)
	if err != nil {
		t.Fatalf("GetEntity() err=%v", err)
	}
	if stored.OrphanedAt != nil {
		t.Fatalf("expected orphan marker to be cleared")
	}
}

func TestUpdateWithIdenticalFieldsIsNoop(t *testing.T) {
	env := newTestEnv(t)
	created := env.create(t, "A", contentDef("c1", "n1"))
	events := len(env.store.AuditEvents())

	res := env.update(t, "A", domain.ContentDefinition{BusinessID: "c1", Name: ptr("n1"), Lock: ptr(false)}, Options{Regenerate: true})
	if res.Outcome != domain.OutcomeUnchanged {
		t.Fatalf("expected unchanged, got %s", res.Outcome)
	}
	if res.Entity.SurrogateID != created.Entity.SurrogateID {
		t.Fatalf("no-op update moved the mapping")
	}
	if n := env.store.EntityCount(domain.KindContent, "c1"); n != 1 {
		t.Fatalf("expected 1 canonical record, got %d", n)
	}
	if got := len(env.store.AuditEvents()); got != events {
		t.Fatalf("no-op update wrote %d audit events", got-events)
	}
	if len(env.regen.calls) != 0 {
		t.Fatalf("no-op update must not regenerate")
	}
}

func TestUpdateUnknownEntityIsStateError(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.UpdateEntity(context.Background(), scope("A"), domain.ContentDefinition{BusinessID: "c1", Name: ptr("n2")}, Options{})
	var serr *domain.StateError
	if !errors.As(err, &serr) {
		t.Fatalf("expected state error, got %v", err)
	}
	if serr.OwnerID != "A" || serr.BusinessID != "c1" {
		t.Fatalf("unexpected state error %+v", serr)
	}
}

func TestUpdateAbsentFieldsKeepValuesAndEmptyClears(t *testing.T) {
	env := newTestEnv(t)
	def := contentDef("c1", "n1")
	def.Arches = []string{"x86_64", "aarch64"}
	def.ContentURL = ptr("/content/c1")
	env.create(t, "A", def)

	env.update(t, "A", domain.ContentDefinition{BusinessID: "c1", Name: ptr("n2")}, Options{})
	got := env.mapped(t, "A", domain.KindContent, "c1").Fields.(domain.Content)
	if len(got.Arches) != 2 || got.ContentURL != "/content/c1" {
		t.Fatalf("absent fields changed: %+v", got)
	}

	env.update(t, "A", domain.ContentDefinition{BusinessID: "c1", Arches: []string{}, ContentURL: ptr("")}, Options{})
	got = env.mapped(t, "A", domain.KindContent, "c1").Fields.(domain.Content)
	if got.Arches != nil || got.ContentURL != "" {
		t.Fatalf("explicit empty values did not clear: %+v", got)
	}
	if got.Name != "n2" {
		t.Fatalf("unexpected name %q", got.Name)
	}
}

func TestUpdatePropagatesToDependentsOnly(t *testing.T) {
	env := newTestEnv(t)
	c1 := env.create(t, "A", contentDef("c1", "n1")).Entity
	c2 := env.create(t, "A", contentDef("c2", "n1")).Entity
	env.create(t, "A", productDef("p1", []string{"c1"}))
	p2 := env.create(t, "A", productDef("p2", []string{"c1", "c2"})).Entity
	p3 := env.create(t, "A", productDef("p3", []string{"c2"})).Entity

	res := env.update(t, "A", domain.ContentDefinition{BusinessID: "c1", Name: ptr("n2")}, Options{})
	want := []domain.Key{{Kind: domain.KindProduct, BusinessID: "p1"}, {Kind: domain.KindProduct, BusinessID: "p2"}}
	if len(res.Affected) != len(want) || res.Affected[0] != want[0] || res.Affected[1] != want[1] {
		t.Fatalf("affected = %v, want %v", res.Affected, want)
	}

	for _, id := range []string{"p1", "p2"} {
		product := env.mapped(t, "A", domain.KindProduct, id)
		ref, ok := refTo(product, domain.KindContent, "c1")
		if !ok {
			t.Fatalf("%s lost its c1 reference", id)
		}
		if ref.SurrogateID != res.Entity.SurrogateID || ref.Version != res.Entity.Version {
			t.Fatalf("%s still references %s", id, ref.SurrogateID)
		}
		if ref.SurrogateID == c1.SurrogateID {
			t.Fatalf("%s was not rewritten", id)
		}
	}
	newP2 := env.mapped(t, "A", domain.KindProduct, "p2")
	if newP2.SurrogateID == p2.SurrogateID {
		t.Fatalf("p2 must be re-versioned")
	}
	if ref, _ := refTo(newP2, domain.KindContent, "c2"); ref.SurrogateID != c2.SurrogateID {
		t.Fatalf("p2 c2 reference changed to %s", ref.SurrogateID)
	}
	if got := env.mapped(t, "A", domain.KindProduct, "p3"); got.SurrogateID != p3.SurrogateID {
		t.Fatalf("p3 does not reference c1 and must be untouched")
	}

	var propagated int
	for _, event := range env.store.AuditEvents() {
		if event.Action == "entity.propagated" {
			propagated++
		}
	}
	if propagated != 2 {
		t.Fatalf("expected 2 propagation audit events, got %d", propagated)
	}
}

func TestPropagationLeavesOtherOwnersDependentsAlone(t *testing.T) {
	env := newTestEnv(t)
	for _, owner := range []string{"A", "B"} {
		env.create(t, owner, contentDef("c1", "n1"))
		env.create(t, owner, productDef("p1", []string{"c1"}))
	}
	shared := env.mapped(t, "B", domain.KindProduct, "p1")

	env.update(t, "A", domain.ContentDefinition{BusinessID: "c1", Name: ptr("n2")}, Options{})

	forB := env.mapped(t, "B", domain.KindProduct, "p1")
	if forB.SurrogateID != shared.SurrogateID {
		t.Fatalf("B's product moved to %s", forB.SurrogateID)
	}
	forA := env.mapped(t, "A", domain.KindProduct, "p1")
	if forA.SurrogateID == shared.SurrogateID {
		t.Fatalf("A's product must fork")
	}
}

func TestPropagationCascadesThroughProvidedProducts(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "A", contentDef("c1", "n1"))
	env.create(t, "A", productDef("p2", []string{"c1"}))
	env.create(t, "A", productDef("p1", nil, "p2"))

	res := env.update(t, "A", domain.ContentDefinition{BusinessID: "c1", Name: ptr("n2")}, Options{})
	if len(res.Affected) != 2 {
		t.Fatalf("expected both levels affected, got %v", res.Affected)
	}
	p2 := env.mapped(t, "A", domain.KindProduct, "p2")
	p1 := env.mapped(t, "A", domain.KindProduct, "p1")
	ref, ok := refTo(p1, domain.KindProduct, "p2")
	if !ok || ref.SurrogateID != p2.SurrogateID {
		t.Fatalf("p1 references %s, want re-versioned p2 %s", ref.SurrogateID, p2.SurrogateID)
	}
	if c, _ := refTo(p2, domain.KindContent, "c1"); c.SurrogateID != res.Entity.SurrogateID {
		t.Fatalf("p2 references stale content %s", c.SurrogateID)
	}
}

func TestPropagationDepthGuardRollsBack(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPropagationDepth = 1
	env := newTestEnv(t, withConfig(cfg))
	original := env.create(t, "A", contentDef("c1", "n1")).Entity
	env.create(t, "A", productDef("p2", []string{"c1"}))
	env.create(t, "A", productDef("p1", nil, "p2"))

	_, err := env.svc.UpdateEntity(context.Background(), scope("A"), domain.ContentDefinition{BusinessID: "c1", Name: ptr("n2")}, Options{})
	if !errors.Is(err, ErrPropagationDepth) {
		t.Fatalf("expected depth error, got %v", err)
	}
	if got := env.mapped(t, "A", domain.KindContent, "c1"); got.SurrogateID != original.SurrogateID {
		t.Fatalf("failed update was not rolled back")
	}
	if n := env.store.EntityCount(domain.KindContent, "c1"); n != 1 {
		t.Fatalf("expected 1 canonical record after rollback, got %d", n)
	}
}

func TestPropagationCycleGuard(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "A", productDef("pB", nil))
	env.create(t, "A", productDef("pA", nil, "pB"))
	before := env.mapped(t, "A", domain.KindProduct, "pB")

	_, err := env.svc.UpdateEntity(context.Background(), scope("A"), domain.ProductDefinition{BusinessID: "pB", ProvidedProducts: []string{"pA"}}, Options{})
	if !errors.Is(err, ErrPropagationCycle) {
		t.Fatalf("expected cycle error, got %v", err)
	}
	if got := env.mapped(t, "A", domain.KindProduct, "pB"); got.SurrogateID != before.SurrogateID {
		t.Fatalf("cyclic update was not rolled back")
	}
}

func TestConcurrentCreateConvergesOntoWinner(t *testing.T) {
	racer := &racingStore{}
	env := newTestEnv(t, withStoreWrapper(func(s repo.EntityStore) repo.EntityStore {
		racer.EntityStore = s
		return racer
	}))

	res := env.create(t, "A", contentDef("c1", "n1"))
	if res.Outcome != domain.OutcomeReused {
		t.Fatalf("expected reused, got %s", res.Outcome)
	}
	if res.Entity.SurrogateID != "winner-c1" {
		t.Fatalf("expected the race winner, got %s", res.Entity.SurrogateID)
	}
	if n := env.store.EntityCount(domain.KindContent, "c1"); n != 1 {
		t.Fatalf("expected 1 canonical record, got %d", n)
	}
}

func TestConcurrentCreateWithDifferentWinnerIsConflict(t *testing.T) {
	racer := &racingStore{collide: true}
	env := newTestEnv(t, withStoreWrapper(func(s repo.EntityStore) repo.EntityStore {
		racer.EntityStore = s
		return racer
	}))

	_, err := env.svc.CreateEntity(context.Background(), scope("A"), contentDef("c1", "n1"), Options{})
	var conflict *domain.ConvergenceConflict
	if !errors.As(err, &conflict) {
		t.Fatalf("expected convergence conflict, got %v", err)
	}
	if conflict.BusinessID != "c1" {
		t.Fatalf("unexpected conflict %+v", conflict)
	}
	if n := env.store.EntityCount(domain.KindContent, "c1"); n != 0 {
		t.Fatalf("expected rollback, got %d rows", n)
	}
}

func TestTieBreakPicksLowestSurrogate(t *testing.T) {
	env := newTestEnv(t, withStoreWrapper(func(s repo.EntityStore) repo.EntityStore {
		return &duplicatingStore{EntityStore: s}
	}))
	env.create(t, "A", contentDef("c1", "n1"))
	other := env.create(t, "B", contentDef("c1", "n2")).Entity

	res := env.update(t, "A", domain.ContentDefinition{BusinessID: "c1", Name: ptr("n2")}, Options{})
	if res.Outcome != domain.OutcomeConverged {
		t.Fatalf("expected converged, got %s", res.Outcome)
	}
	if res.Entity.SurrogateID != other.SurrogateID {
		t.Fatalf("expected lowest surrogate %s, got %s", other.SurrogateID, res.Entity.SurrogateID)
	}
}

func TestRegenerationAfterCommit(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "A", contentDef("c1", "n1"))
	env.create(t, "A", productDef("p1", []string{"c1"}))

	res := env.update(t, "A", domain.ContentDefinition{BusinessID: "c1", Name: ptr("n2")}, Options{Regenerate: true, Force: true})
	if res.Regeneration != nil {
		t.Fatalf("unexpected regeneration failure %v", res.Regeneration)
	}
	if len(env.regen.calls) != 1 {
		t.Fatalf("expected 1 regeneration call, got %d", len(env.regen.calls))
	}
	call := env.regen.calls[0]
	if len(call.owners) != 1 || call.owners[0] != "A" || len(call.dependents) != 1 || call.dependents[0] != "p1" || !call.force {
		t.Fatalf("unexpected regeneration call %+v", call)
	}
}

func TestRegenerationFailureIsReportedNotReturned(t *testing.T) {
	env := newTestEnv(t)
	env.regen.err = errors.New("generator unavailable")
	env.create(t, "A", contentDef("c1", "n1"))
	env.create(t, "A", productDef("p1", []string{"c1"}))

	res, err := env.svc.UpdateEntity(context.Background(), scope("A"), domain.ContentDefinition{BusinessID: "c1", Name: ptr("n2")}, Options{Regenerate: true})
	if err != nil {
		t.Fatalf("regeneration failure must not fail the update: %v", err)
	}
	if res.Regeneration == nil || !errors.Is(res.Regeneration, domain.ErrPropagation) {
		t.Fatalf("expected reported propagation failure, got %v", res.Regeneration)
	}
	if got := env.mapped(t, "A", domain.KindContent, "c1"); got.SurrogateID != res.Entity.SurrogateID {
		t.Fatalf("committed mapping was rolled back")
	}
}

func TestCachedReaderSeesOrphanMarker(t *testing.T) {
	var cached *cache.EntityStore
	env := newTestEnv(t, withReader(func(s *memory.Store) repo.EntityStore {
		c, err := cache.NewEntityStore(s, 16, discardLogger())
		if err != nil {
			t.Fatalf("cache.NewEntityStore() err=%v", err)
		}
		cached = c
		return c
	}))
	original := env.create(t, "A", contentDef("c1", "n1")).Entity
	if _, err := env.svc.GetEntity(context.Background(), original.SurrogateID); err != nil {
		t.Fatalf("GetEntity() err=%v", err)
	}
	if cached.Len() != 1 {
		t.Fatalf("expected entity to be cached")
	}

	env.update(t, "A", domain.ContentDefinition{BusinessID: "c1", Name: ptr("n2")}, Options{})
	stored, err := env.svc.GetEntity(context.Background(), original.SurrogateID)
	if err != nil {
		t.Fatalf("GetEntity() err=%v", err)
	}
	if stored.OrphanedAt == nil {
		t.Fatalf("cached entity was not invalidated")
	}
}

func TestAuditTrail(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "A", contentDef("c1", "n1"))
	env.create(t, "B", contentDef("c1", "n1"))
	env.update(t, "A", domain.ContentDefinition{BusinessID: "c1", Name: ptr("n2")}, Options{})

	events := env.store.AuditEvents()
	want := []string{"entity.created", "entity.reused", "entity.forked"}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(events))
	}
	for i, action := range want {
		if events[i].Action != action {
			t.Fatalf("event %d = %s, want %s", i, events[i].Action, action)
		}
		if events[i].Actor != "tester" || events[i].ResourceID != "c1" {
			t.Fatalf("unexpected event %+v", events[i])
		}
	}
	if events[1].Payload["owner_id"] != "B" {
		t.Fatalf("expected owner in payload, got %v", events[1].Payload)
	}
}

func TestListOwnerEntities(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LookupBatchSize = 2
	env := newTestEnv(t, withConfig(cfg))
	for _, id := range []string{"c3", "c1", "c2"} {
		env.create(t, "A", contentDef(id, "n1"))
	}
	entities, err := env.svc.ListOwnerEntities(context.Background(), scope("A"), domain.KindContent)
	if err != nil {
		t.Fatalf("ListOwnerEntities() err=%v", err)
	}
	if len(entities) != 3 || entities[0].BusinessID != "c1" || entities[2].BusinessID != "c3" {
		t.Fatalf("unexpected entities %+v", entities)
	}
	if _, err := env.svc.GetOwnerEntity(context.Background(), scope("B"), domain.KindContent, "c1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for unmapped owner, got %v", err)
	}
}

func TestUpdateLockOnlyForksAndConverges(t *testing.T) {
	env := newTestEnv(t)
	locked := contentDef("c1", "n1")
	locked.Lock = ptr(true)
	original := env.create(t, "A", locked).Entity
	if !original.Fields.(domain.Content).Locked {
		t.Fatalf("create dropped the locked flag")
	}
	env.create(t, "B", locked)

	res := env.update(t, "A", domain.ContentDefinition{BusinessID: "c1", Lock: ptr(false)}, Options{})
	if res.Outcome != domain.OutcomeForked {
		t.Fatalf("expected lock change to fork, got %s", res.Outcome)
	}
	if res.Entity.SurrogateID == original.SurrogateID || res.Entity.Version == original.Version {
		t.Fatalf("lock change kept the original row")
	}
	unlocked := res.Entity.Fields.(domain.Content)
	if unlocked.Locked || unlocked.Name != "n1" {
		t.Fatalf("unexpected fields after unlock %+v", unlocked)
	}
	if got := env.mapped(t, "B", domain.KindContent, "c1"); got.SurrogateID != original.SurrogateID {
		t.Fatalf("other owner lost the locked row")
	}

	// An unlocked create converges onto the unlocked fork, never the locked row.
	reused := env.create(t, "C", contentDef("c1", "n1"))
	if reused.Outcome != domain.OutcomeReused || reused.Entity.SurrogateID != res.Entity.SurrogateID {
		t.Fatalf("unlocked create resolved to %s (%s)", reused.Entity.SurrogateID, reused.Outcome)
	}
}
