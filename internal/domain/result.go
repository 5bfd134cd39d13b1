package domain

import (
	"maps"
	"slices"
)

// Outcome describes how an operation resolved one entity.
type Outcome string

const (
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeCreated   Outcome = "created"
	OutcomeReused    Outcome = "reused"
	OutcomeForked    Outcome = "forked"
	OutcomeConverged Outcome = "converged"
	OutcomeRemoved   Outcome = "removed"
)

// ChangeResult is returned by single-entity create, update and remove.
type ChangeResult struct {
	Entity   Entity
	Previous *Entity
	Outcome  Outcome
	// Affected lists dependents re-versioned by propagation.
	Affected []Key
	// Orphaned lists surrogate ids left without any owner mapping.
	Orphaned []string
	// Regeneration is set when the artifact regeneration request failed.
	Regeneration *PropagationFailure
}

// RemoveResult is returned by bulk removal.
type RemoveResult struct {
	Removed      []Entity
	Affected     []Key
	Orphaned     []string
	Regeneration *PropagationFailure
}

// ImportResult groups imported entities by business id.
type ImportResult struct {
	Skipped      map[string]Entity
	Created      map[string]Entity
	Updated      map[string]Entity
	Affected     []Key
	Orphaned     []string
	Regeneration *PropagationFailure
}

// CatalogImportResult is returned by a combined content and product import.
type CatalogImportResult struct {
	Contents     ImportResult
	Products     ImportResult
	Regeneration *PropagationFailure
}

func NewImportResult() ImportResult {
	return ImportResult{
		Skipped: map[string]Entity{},
		Created: map[string]Entity{},
		Updated: map[string]Entity{},
	}
}

func (r ImportResult) SkippedIDs() []string { return slices.Sorted(maps.Keys(r.Skipped)) }
func (r ImportResult) CreatedIDs() []string { return slices.Sorted(maps.Keys(r.Created)) }
func (r ImportResult) UpdatedIDs() []string { return slices.Sorted(maps.Keys(r.Updated)) }
