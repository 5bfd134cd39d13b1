package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/animus-labs/catalog-go/internal/domain"
	"github.com/animus-labs/catalog-go/internal/repo"
)

// Store is an in-memory adapter implementing the repo ports for local runtime
// and tests. It is not intended as production persistence. Transactions are
// serialized and roll back by restoring a snapshot.
type Store struct {
	mu     sync.Mutex
	state  *state
	logger *slog.Logger
}

type versionIndex struct {
	kind       domain.Kind
	businessID string
	version    string
}

type mappingKey struct {
	ownerID    string
	kind       domain.Kind
	businessID string
}

type state struct {
	entities map[string]domain.Entity
	versions map[versionIndex]string
	mappings map[mappingKey]repo.OwnerMapping
	audit    []domain.AuditEvent
}

func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		state: &state{
			entities: make(map[string]domain.Entity),
			versions: make(map[versionIndex]string),
			mappings: make(map[mappingKey]repo.OwnerMapping),
		},
		logger: logger,
	}
}

// InTx runs fn against a snapshot-protected view of the store.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, stores repo.Stores) error) error {
	if s == nil {
		return errors.New("memory store not initialized")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	view := &txView{state: s.state}
	if err := fn(ctx, repo.Stores{Entities: view, Audit: view}); err != nil {
		s.state = snapshot
		s.logger.Debug("memory transaction rolled back", "error", err)
		return err
	}
	return nil
}

// AuditEvents returns a copy of the recorded audit trail.
func (s *Store) AuditEvents() []domain.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.state.audit)
}

// EntityCount reports how many canonical rows exist for a business id.
func (s *Store) EntityCount(kind domain.Kind, businessID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.state.entities {
		if e.Kind == kind && e.BusinessID == businessID {
			n++
		}
	}
	return n
}

// MappingCount reports how many owners map the given surrogate id.
func (s *Store) MappingCount(surrogateID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.ownerCount(surrogateID)
}

func (s *Store) locked() *txView {
	return &txView{state: s.state}
}

func (s *Store) FetchByID(ctx context.Context, surrogateID string) (domain.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked().FetchByID(ctx, surrogateID)
}

func (s *Store) FetchByBusinessIDs(ctx context.Context, ownerID string, kind domain.Kind, businessIDs []string) (map[string]domain.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked().FetchByBusinessIDs(ctx, ownerID, kind, businessIDs)
}

func (s *Store) FetchByVersions(ctx context.Context, kind domain.Kind, keys []repo.VersionKey) ([]domain.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked().FetchByVersions(ctx, kind, keys)
}

func (s *Store) FetchDependents(ctx context.Context, ownerID string, surrogateIDs []string) ([]domain.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked().FetchDependents(ctx, ownerID, surrogateIDs)
}

func (s *Store) CreateBatch(ctx context.Context, entities []domain.Entity) ([]domain.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked().CreateBatch(ctx, entities)
}

func (s *Store) UpsertOwnerMappings(ctx context.Context, mappings []repo.OwnerMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked().UpsertOwnerMappings(ctx, mappings)
}

func (s *Store) RewriteOwnerReferences(ctx context.Context, ownerID string, replacements map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked().RewriteOwnerReferences(ctx, ownerID, replacements)
}

func (s *Store) DeleteOwnerMappings(ctx context.Context, ownerID string, kind domain.Kind, businessIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked().DeleteOwnerMappings(ctx, ownerID, kind, businessIDs)
}

func (s *Store) ListOwnerMappings(ctx context.Context, ownerID string, kind domain.Kind) ([]repo.OwnerMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked().ListOwnerMappings(ctx, ownerID, kind)
}

func (s *Store) MarkOrphaned(ctx context.Context, surrogateIDs []string, at time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked().MarkOrphaned(ctx, surrogateIDs, at)
}

// txView operates on state without locking; callers hold Store.mu.
type txView struct {
	state *state
}

func (v *txView) FetchByID(_ context.Context, surrogateID string) (domain.Entity, error) {
	e, ok := v.state.entities[strings.TrimSpace(surrogateID)]
	if !ok {
		return domain.Entity{}, repo.ErrNotFound
	}
	return copyEntity(e), nil
}

func (v *txView) FetchByBusinessIDs(_ context.Context, ownerID string, kind domain.Kind, businessIDs []string) (map[string]domain.Entity, error) {
	out := make(map[string]domain.Entity, len(businessIDs))
	for _, id := range businessIDs {
		m, ok := v.state.mappings[mappingKey{ownerID: ownerID, kind: kind, businessID: id}]
		if !ok {
			continue
		}
		e, ok := v.state.entities[m.SurrogateID]
		if !ok {
			return nil, fmt.Errorf("owner %q maps %s to missing entity %s", ownerID, id, m.SurrogateID)
		}
		out[id] = copyEntity(e)
	}
	return out, nil
}

func (v *txView) FetchByVersions(_ context.Context, kind domain.Kind, keys []repo.VersionKey) ([]domain.Entity, error) {
	out := make([]domain.Entity, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		id, ok := v.state.versions[versionIndex{kind: kind, businessID: key.BusinessID, version: key.Version}]
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, copyEntity(v.state.entities[id]))
	}
	return out, nil
}

func (v *txView) FetchDependents(_ context.Context, ownerID string, surrogateIDs []string) ([]domain.Entity, error) {
	wanted := make(map[string]struct{}, len(surrogateIDs))
	for _, id := range surrogateIDs {
		wanted[id] = struct{}{}
	}
	out := make([]domain.Entity, 0)
	for key, m := range v.state.mappings {
		if key.ownerID != ownerID {
			continue
		}
		e := v.state.entities[m.SurrogateID]
		for _, ref := range e.References {
			if _, ok := wanted[ref.SurrogateID]; ok {
				out = append(out, copyEntity(e))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].BusinessID < out[j].BusinessID
	})
	return out, nil
}

func (v *txView) CreateBatch(_ context.Context, entities []domain.Entity) ([]domain.Entity, error) {
	var conflicts []domain.Entity
	for _, e := range entities {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		if _, exists := v.state.entities[e.SurrogateID]; exists {
			return nil, fmt.Errorf("surrogate id %s already exists", e.SurrogateID)
		}
		for _, ref := range e.References {
			if _, ok := v.state.entities[ref.SurrogateID]; !ok {
				return nil, fmt.Errorf("%s %q references missing entity %s", e.Kind, e.BusinessID, ref.SurrogateID)
			}
		}
		idx := versionIndex{kind: e.Kind, businessID: e.BusinessID, version: e.Version}
		if _, taken := v.state.versions[idx]; taken {
			conflicts = append(conflicts, e)
			continue
		}
		v.state.entities[e.SurrogateID] = copyEntity(e)
		v.state.versions[idx] = e.SurrogateID
	}
	return conflicts, nil
}

func (v *txView) UpsertOwnerMappings(_ context.Context, mappings []repo.OwnerMapping) error {
	for _, m := range mappings {
		if _, ok := v.state.entities[m.SurrogateID]; !ok {
			return fmt.Errorf("mapping references missing entity %s", m.SurrogateID)
		}
		v.state.mappings[mappingKey{ownerID: m.OwnerID, kind: m.Kind, businessID: m.BusinessID}] = m
		v.state.clearOrphan(m.SurrogateID)
	}
	return nil
}

func (v *txView) RewriteOwnerReferences(_ context.Context, ownerID string, replacements map[string]string) error {
	moved := 0
	for key, m := range v.state.mappings {
		if key.ownerID != ownerID {
			continue
		}
		next, ok := replacements[m.SurrogateID]
		if !ok {
			continue
		}
		if _, exists := v.state.entities[next]; !exists {
			return fmt.Errorf("rewrite references missing entity %s", next)
		}
		m.SurrogateID = next
		m.UpdatedAt = time.Now().UTC()
		v.state.mappings[key] = m
		v.state.clearOrphan(next)
		moved++
	}
	if moved != len(replacements) {
		return fmt.Errorf("rewrite references: %d of %d mappings moved: %w", len(replacements)-moved, len(replacements), repo.ErrStaleMapping)
	}
	return nil
}

func (v *txView) DeleteOwnerMappings(_ context.Context, ownerID string, kind domain.Kind, businessIDs []string) error {
	for _, id := range businessIDs {
		delete(v.state.mappings, mappingKey{ownerID: ownerID, kind: kind, businessID: id})
	}
	return nil
}

func (v *txView) ListOwnerMappings(_ context.Context, ownerID string, kind domain.Kind) ([]repo.OwnerMapping, error) {
	out := make([]repo.OwnerMapping, 0)
	for key, m := range v.state.mappings {
		if key.ownerID == ownerID && key.kind == kind {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BusinessID < out[j].BusinessID })
	return out, nil
}

func (v *txView) MarkOrphaned(_ context.Context, surrogateIDs []string, at time.Time) ([]string, error) {
	var marked []string
	for _, id := range surrogateIDs {
		e, ok := v.state.entities[id]
		if !ok || e.OrphanedAt != nil || v.state.ownerCount(id) > 0 {
			continue
		}
		stamp := at.UTC()
		e.OrphanedAt = &stamp
		v.state.entities[id] = e
		marked = append(marked, id)
	}
	return marked, nil
}

func (v *txView) Append(_ context.Context, event domain.AuditEvent) (int64, error) {
	if err := event.Validate(); err != nil {
		return 0, err
	}
	event.EventID = int64(len(v.state.audit) + 1)
	v.state.audit = append(v.state.audit, event)
	return event.EventID, nil
}

func (st *state) ownerCount(surrogateID string) int {
	n := 0
	for _, m := range st.mappings {
		if m.SurrogateID == surrogateID {
			n++
		}
	}
	return n
}

func (st *state) clearOrphan(surrogateID string) {
	e, ok := st.entities[surrogateID]
	if ok && e.OrphanedAt != nil {
		e.OrphanedAt = nil
		st.entities[surrogateID] = e
	}
}

func (st *state) clone() *state {
	out := &state{
		entities: make(map[string]domain.Entity, len(st.entities)),
		versions: maps.Clone(st.versions),
		mappings: maps.Clone(st.mappings),
		audit:    slices.Clone(st.audit),
	}
	for id, e := range st.entities {
		out.entities[id] = copyEntity(e)
	}
	return out
}

func copyEntity(e domain.Entity) domain.Entity {
	e.References = slices.Clone(e.References)
	if e.OrphanedAt != nil {
		at := *e.OrphanedAt
		e.OrphanedAt = &at
	}
	if e.Fields != nil {
		e.Fields = e.Fields.Normalize()
	}
	return e
}
