package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/animus-labs/catalog-go/internal/domain"
	"github.com/animus-labs/catalog-go/internal/repo"
)

type EntityStore struct {
	db  DB
	now func() time.Time
}

func NewEntityStore(db DB) *EntityStore {
	if db == nil {
		return nil
	}
	return &EntityStore{db: db, now: time.Now}
}

type entityRow struct {
	surrogateID string
	kind        string
	businessID  string
	version     string
	fields      []byte
	locked      bool
	createdAt   time.Time
}

type referenceRow struct {
	parentID         string
	childKind        string
	childBusinessID  string
	childSurrogateID string
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (domain.Entity, error) {
	var entity domain.Entity
	var kind string
	var fieldsJSON []byte
	var orphanedAt sql.NullTime
	if err := row.Scan(&entity.SurrogateID, &kind, &entity.BusinessID, &entity.Version, &fieldsJSON, &entity.LockedByUpstream, &entity.CreatedAt, &orphanedAt); err != nil {
		return domain.Entity{}, err
	}
	entity.Kind = domain.Kind(kind)
	fields, err := domain.DecodeFields(entity.Kind, fieldsJSON)
	if err != nil {
		return domain.Entity{}, err
	}
	entity.Fields = fields
	entity.CreatedAt = entity.CreatedAt.UTC()
	if orphanedAt.Valid {
		at := orphanedAt.Time.UTC()
		entity.OrphanedAt = &at
	}
	return entity, nil
}

func (s *EntityStore) FetchByID(ctx context.Context, surrogateID string) (domain.Entity, error) {
	if s == nil || s.db == nil {
		return domain.Entity{}, fmt.Errorf("entity store not initialized")
	}
	surrogateID = strings.TrimSpace(surrogateID)
	if surrogateID == "" {
		return domain.Entity{}, fmt.Errorf("surrogate id is required")
	}
	entity, err := scanEntity(s.db.QueryRowContext(ctx, selectEntityByIDQuery, surrogateID))
	if err != nil {
		return domain.Entity{}, handleNotFound(err)
	}
	entities, err := s.attachReferences(ctx, []domain.Entity{entity})
	if err != nil {
		return domain.Entity{}, err
	}
	return entities[0], nil
}

func (s *EntityStore) FetchByBusinessIDs(ctx context.Context, ownerID string, kind domain.Kind, businessIDs []string) (map[string]domain.Entity, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("entity store not initialized")
	}
	out := make(map[string]domain.Entity, len(businessIDs))
	if len(businessIDs) == 0 {
		return out, nil
	}
	entities, err := s.queryEntities(ctx, selectOwnerEntitiesQuery, strings.TrimSpace(ownerID), string(kind), businessIDs)
	if err != nil {
		return nil, fmt.Errorf("fetch owner entities: %w", err)
	}
	for _, entity := range entities {
		out[entity.BusinessID] = entity
	}
	return out, nil
}

func (s *EntityStore) FetchByVersions(ctx context.Context, kind domain.Kind, keys []repo.VersionKey) ([]domain.Entity, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("entity store not initialized")
	}
	if len(keys) == 0 {
		return nil, nil
	}
	query, args, err := buildVersionLookupQuery(kind, keys)
	if err != nil {
		return nil, err
	}
	entities, err := s.queryEntities(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch by versions: %w", err)
	}
	return entities, nil
}

func (s *EntityStore) FetchDependents(ctx context.Context, ownerID string, surrogateIDs []string) ([]domain.Entity, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("entity store not initialized")
	}
	if len(surrogateIDs) == 0 {
		return nil, nil
	}
	entities, err := s.queryEntities(ctx, selectDependentsQuery, strings.TrimSpace(ownerID), surrogateIDs)
	if err != nil {
		return nil, fmt.Errorf("fetch dependents: %w", err)
	}
	return entities, nil
}

// CreateBatch inserts entities and their references. Rows losing the
// (kind, business id, version) uniqueness race are returned as conflicts
// without aborting the transaction.
func (s *EntityStore) CreateBatch(ctx context.Context, entities []domain.Entity) ([]domain.Entity, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("entity store not initialized")
	}
	var conflicts []domain.Entity
	for start := 0; start < len(entities); start += insertBatchSize {
		end := min(start+insertBatchSize, len(entities))
		lost, err := s.createChunk(ctx, entities[start:end])
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, lost...)
	}
	return conflicts, nil
}

func (s *EntityStore) createChunk(ctx context.Context, entities []domain.Entity) ([]domain.Entity, error) {
	if len(entities) == 0 {
		return nil, nil
	}
	rows := make([]entityRow, 0, len(entities))
	for _, entity := range entities {
		if err := entity.Validate(); err != nil {
			return nil, err
		}
		fieldsJSON, err := domain.EncodeFields(entity.Fields)
		if err != nil {
			return nil, fmt.Errorf("encode fields: %w", err)
		}
		rows = append(rows, entityRow{
			surrogateID: entity.SurrogateID,
			kind:        string(entity.Kind),
			businessID:  strings.TrimSpace(entity.BusinessID),
			version:     entity.Version,
			fields:      fieldsJSON,
			locked:      entity.LockedByUpstream,
			createdAt:   normalizeTime(entity.CreatedAt),
		})
	}

	query, args := buildInsertEntitiesQuery(rows)
	result, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("insert entities: surrogate id collision: %w", err)
		}
		return nil, fmt.Errorf("insert entities: %w", err)
	}
	inserted := make(map[string]struct{}, len(rows))
	for result.Next() {
		var id string
		if err := result.Scan(&id); err != nil {
			_ = result.Close()
			return nil, fmt.Errorf("scan inserted entity: %w", err)
		}
		inserted[id] = struct{}{}
	}
	if err := result.Err(); err != nil {
		_ = result.Close()
		return nil, fmt.Errorf("insert entities: %w", err)
	}
	_ = result.Close()

	var conflicts []domain.Entity
	var refs []referenceRow
	for _, entity := range entities {
		if _, ok := inserted[entity.SurrogateID]; !ok {
			conflicts = append(conflicts, entity)
			continue
		}
		for _, ref := range entity.References {
			refs = append(refs, referenceRow{
				parentID:         entity.SurrogateID,
				childKind:        string(ref.Kind),
				childBusinessID:  ref.BusinessID,
				childSurrogateID: ref.SurrogateID,
			})
		}
	}
	for start := 0; start < len(refs); start += insertBatchSize {
		end := min(start+insertBatchSize, len(refs))
		query, args := buildInsertReferencesQuery(refs[start:end])
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return nil, fmt.Errorf("insert references: %w", err)
		}
	}
	return conflicts, nil
}

func (s *EntityStore) UpsertOwnerMappings(ctx context.Context, mappings []repo.OwnerMapping) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("entity store not initialized")
	}
	mappings = dedupeMappings(mappings, s.now().UTC())
	for start := 0; start < len(mappings); start += insertBatchSize {
		end := min(start+insertBatchSize, len(mappings))
		query, args := buildUpsertMappingsQuery(mappings[start:end])
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("upsert owner mappings: %w", err)
		}
	}
	ids := make([]string, 0, len(mappings))
	for _, m := range mappings {
		ids = append(ids, m.SurrogateID)
	}
	return s.clearOrphaned(ctx, ids)
}

func (s *EntityStore) RewriteOwnerReferences(ctx context.Context, ownerID string, replacements map[string]string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("entity store not initialized")
	}
	if len(replacements) == 0 {
		return nil
	}
	oldIDs := make([]string, 0, len(replacements))
	newIDs := make([]string, 0, len(replacements))
	for oldID, newID := range replacements {
		oldIDs = append(oldIDs, oldID)
		newIDs = append(newIDs, newID)
	}
	res, err := s.db.ExecContext(ctx, rewriteMappingsQuery, strings.TrimSpace(ownerID), oldIDs, newIDs, s.now().UTC())
	if err != nil {
		return fmt.Errorf("rewrite owner references: %w", err)
	}
	rewritten, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rewrite owner references: %w", err)
	}
	if rewritten != int64(len(oldIDs)) {
		return fmt.Errorf("rewrite owner references: %d of %d mappings moved: %w", len(oldIDs)-int(rewritten), len(oldIDs), repo.ErrStaleMapping)
	}
	return s.clearOrphaned(ctx, newIDs)
}

func (s *EntityStore) DeleteOwnerMappings(ctx context.Context, ownerID string, kind domain.Kind, businessIDs []string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("entity store not initialized")
	}
	if len(businessIDs) == 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, deleteMappingsQuery, strings.TrimSpace(ownerID), string(kind), businessIDs); err != nil {
		return fmt.Errorf("delete owner mappings: %w", err)
	}
	return nil
}

func (s *EntityStore) ListOwnerMappings(ctx context.Context, ownerID string, kind domain.Kind) ([]repo.OwnerMapping, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("entity store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, listMappingsQuery, strings.TrimSpace(ownerID), string(kind))
	if err != nil {
		return nil, fmt.Errorf("list owner mappings: %w", err)
	}
	defer rows.Close()

	out := make([]repo.OwnerMapping, 0)
	for rows.Next() {
		var m repo.OwnerMapping
		var kindValue string
		if err := rows.Scan(&m.OwnerID, &kindValue, &m.BusinessID, &m.SurrogateID, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan owner mapping: %w", err)
		}
		m.Kind = domain.Kind(kindValue)
		m.UpdatedAt = m.UpdatedAt.UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list owner mappings: %w", err)
	}
	return out, nil
}

func (s *EntityStore) MarkOrphaned(ctx context.Context, surrogateIDs []string, at time.Time) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("entity store not initialized")
	}
	if len(surrogateIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, markOrphanedQuery, surrogateIDs, normalizeTime(at))
	if err != nil {
		return nil, fmt.Errorf("mark orphaned: %w", err)
	}
	defer rows.Close()

	var marked []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan orphaned entity: %w", err)
		}
		marked = append(marked, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mark orphaned: %w", err)
	}
	sort.Strings(marked)
	return marked, nil
}

func (s *EntityStore) clearOrphaned(ctx context.Context, surrogateIDs []string) error {
	if len(surrogateIDs) == 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, clearOrphanedQuery, surrogateIDs); err != nil {
		return fmt.Errorf("clear orphan markers: %w", err)
	}
	return nil
}

func (s *EntityStore) queryEntities(ctx context.Context, query string, args ...any) ([]domain.Entity, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	entities := make([]domain.Entity, 0)
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		entities = append(entities, entity)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()
	return s.attachReferences(ctx, entities)
}

// attachReferences loads the embedded references of dependents in one query.
func (s *EntityStore) attachReferences(ctx context.Context, entities []domain.Entity) ([]domain.Entity, error) {
	var parentIDs []string
	for _, entity := range entities {
		if entity.Kind == domain.KindProduct {
			parentIDs = append(parentIDs, entity.SurrogateID)
		}
	}
	if len(parentIDs) == 0 {
		return entities, nil
	}
	rows, err := s.db.QueryContext(ctx, selectReferencesQuery, parentIDs)
	if err != nil {
		return nil, fmt.Errorf("fetch references: %w", err)
	}
	defer rows.Close()

	byParent := make(map[string][]domain.Reference, len(parentIDs))
	for rows.Next() {
		var parentID, childKind string
		var ref domain.Reference
		if err := rows.Scan(&parentID, &childKind, &ref.BusinessID, &ref.SurrogateID, &ref.Version); err != nil {
			return nil, fmt.Errorf("scan reference: %w", err)
		}
		ref.Kind = domain.Kind(childKind)
		byParent[parentID] = append(byParent[parentID], ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch references: %w", err)
	}
	for i := range entities {
		refs := byParent[entities[i].SurrogateID]
		sort.Slice(refs, func(a, b int) bool {
			if refs[a].Kind != refs[b].Kind {
				return refs[a].Kind < refs[b].Kind
			}
			return refs[a].BusinessID < refs[b].BusinessID
		})
		entities[i].References = refs
	}
	return entities, nil
}

// dedupeMappings keeps the last mapping per (owner, kind, business id); one
// upsert statement may not touch a row twice.
func dedupeMappings(mappings []repo.OwnerMapping, now time.Time) []repo.OwnerMapping {
	type key struct {
		owner, kind, businessID string
	}
	index := make(map[key]int, len(mappings))
	out := make([]repo.OwnerMapping, 0, len(mappings))
	for _, m := range mappings {
		if m.UpdatedAt.IsZero() {
			m.UpdatedAt = now
		}
		k := key{owner: strings.TrimSpace(m.OwnerID), kind: string(m.Kind), businessID: strings.TrimSpace(m.BusinessID)}
		if i, ok := index[k]; ok {
			out[i] = m
			continue
		}
		index[k] = len(out)
		out = append(out, m)
	}
	return out
}
