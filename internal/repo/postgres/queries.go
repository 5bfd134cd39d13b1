package postgres

import (
	"fmt"
	"strings"

	"github.com/animus-labs/catalog-go/internal/domain"
	"github.com/animus-labs/catalog-go/internal/repo"
)

const entityColumns = `c.surrogate_id, c.kind, c.business_id, c.version, c.fields, c.locked_by_upstream, c.created_at, c.orphaned_at`

const (
	selectEntityByIDQuery = `SELECT ` + entityColumns + `
		FROM canonical_entities c
		WHERE c.surrogate_id = $1`

	selectOwnerEntitiesQuery = `SELECT ` + entityColumns + `
		FROM owner_entities o
		JOIN canonical_entities c ON c.surrogate_id = o.surrogate_id
		WHERE o.owner_id = $1 AND o.kind = $2 AND o.business_id = ANY($3)`

	selectDependentsQuery = `SELECT ` + entityColumns + `
		FROM owner_entities o
		JOIN canonical_entities c ON c.surrogate_id = o.surrogate_id
		WHERE o.owner_id = $1
		  AND EXISTS (
			SELECT 1 FROM entity_references r
			WHERE r.parent_id = c.surrogate_id AND r.child_surrogate_id = ANY($2::uuid[])
		  )
		ORDER BY c.kind, c.business_id`

	selectReferencesQuery = `SELECT r.parent_id, r.child_kind, r.child_business_id, r.child_surrogate_id, c.version
		FROM entity_references r
		JOIN canonical_entities c ON c.surrogate_id = r.child_surrogate_id
		WHERE r.parent_id = ANY($1::uuid[])`

	rewriteMappingsQuery = `UPDATE owner_entities o
		SET surrogate_id = r.new_id, updated_at = $4
		FROM unnest($2::uuid[], $3::uuid[]) AS r(old_id, new_id)
		WHERE o.owner_id = $1 AND o.surrogate_id = r.old_id`

	clearOrphanedQuery = `UPDATE canonical_entities
		SET orphaned_at = NULL
		WHERE surrogate_id = ANY($1::uuid[]) AND orphaned_at IS NOT NULL`

	deleteMappingsQuery = `DELETE FROM owner_entities
		WHERE owner_id = $1 AND kind = $2 AND business_id = ANY($3)`

	listMappingsQuery = `SELECT owner_id, kind, business_id, surrogate_id, updated_at
		FROM owner_entities
		WHERE owner_id = $1 AND kind = $2
		ORDER BY business_id`

	markOrphanedQuery = `UPDATE canonical_entities c
		SET orphaned_at = $2
		WHERE c.surrogate_id = ANY($1::uuid[])
		  AND c.orphaned_at IS NULL
		  AND NOT EXISTS (SELECT 1 FROM owner_entities o WHERE o.surrogate_id = c.surrogate_id)
		RETURNING c.surrogate_id`
)

// insertBatchSize bounds rows per multi-row statement to stay well below the
// 65535 bind parameter limit.
const insertBatchSize = 1000

func buildVersionLookupQuery(kind domain.Kind, keys []repo.VersionKey) (string, []any, error) {
	if !kind.Valid() {
		return "", nil, fmt.Errorf("unknown entity kind %q", kind)
	}
	if len(keys) == 0 {
		return "", nil, fmt.Errorf("version keys are required")
	}
	args := make([]any, 0, 1+2*len(keys))
	args = append(args, string(kind))
	tuples := make([]string, 0, len(keys))
	for _, key := range keys {
		args = append(args, key.BusinessID, key.Version)
		tuples = append(tuples, fmt.Sprintf("($%d, $%d)", len(args)-1, len(args)))
	}
	query := `SELECT ` + entityColumns + `
		FROM canonical_entities c
		WHERE c.kind = $1 AND (c.business_id, c.version) IN (` + strings.Join(tuples, ", ") + `)`
	return query, args, nil
}

func buildInsertEntitiesQuery(rows []entityRow) (string, []any) {
	args := make([]any, 0, 7*len(rows))
	values := make([]string, 0, len(rows))
	for _, row := range rows {
		base := len(args)
		args = append(args, row.surrogateID, row.kind, row.businessID, row.version, row.fields, row.locked, row.createdAt)
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4, base+5, base+6, base+7))
	}
	query := `INSERT INTO canonical_entities (
			surrogate_id,
			kind,
			business_id,
			version,
			fields,
			locked_by_upstream,
			created_at
		) VALUES ` + strings.Join(values, ", ") + `
		ON CONFLICT (kind, business_id, version) DO NOTHING
		RETURNING surrogate_id`
	return query, args
}

func buildInsertReferencesQuery(rows []referenceRow) (string, []any) {
	args := make([]any, 0, 4*len(rows))
	values := make([]string, 0, len(rows))
	for _, row := range rows {
		base := len(args)
		args = append(args, row.parentID, row.childKind, row.childBusinessID, row.childSurrogateID)
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4))
	}
	query := `INSERT INTO entity_references (
			parent_id,
			child_kind,
			child_business_id,
			child_surrogate_id
		) VALUES ` + strings.Join(values, ", ")
	return query, args
}

func buildUpsertMappingsQuery(mappings []repo.OwnerMapping) (string, []any) {
	args := make([]any, 0, 5*len(mappings))
	values := make([]string, 0, len(mappings))
	for _, m := range mappings {
		base := len(args)
		args = append(args, strings.TrimSpace(m.OwnerID), string(m.Kind), strings.TrimSpace(m.BusinessID), m.SurrogateID, normalizeTime(m.UpdatedAt))
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4, base+5))
	}
	query := `INSERT INTO owner_entities (
			owner_id,
			kind,
			business_id,
			surrogate_id,
			updated_at
		) VALUES ` + strings.Join(values, ", ") + `
		ON CONFLICT (owner_id, kind, business_id)
		DO UPDATE SET surrogate_id = EXCLUDED.surrogate_id, updated_at = EXCLUDED.updated_at`
	return query, args
}
