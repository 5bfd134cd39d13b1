package catalog

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/animus-labs/catalog-go/internal/domain"
	"github.com/animus-labs/catalog-go/internal/repo"
)

// RemoveEntity unmaps one business id from the owner. Dependents drop the
// reference and are re-versioned; the canonical row stays for other owners.
func (s *Service) RemoveEntity(ctx context.Context, scope Scope, kind domain.Kind, businessID string, opts Options) (domain.ChangeResult, error) {
	removed, err := s.RemoveEntities(ctx, scope, kind, []string{businessID}, opts)
	if err != nil {
		return domain.ChangeResult{}, err
	}
	result := domain.ChangeResult{
		Outcome:      domain.OutcomeRemoved,
		Affected:     removed.Affected,
		Orphaned:     removed.Orphaned,
		Regeneration: removed.Regeneration,
	}
	if len(removed.Removed) == 1 {
		result.Entity = removed.Removed[0]
	}
	return result, nil
}

// RemoveEntities unmaps several business ids of one kind in one transaction.
// Every id must be mapped by the owner.
func (s *Service) RemoveEntities(ctx context.Context, scope Scope, kind domain.Kind, businessIDs []string, opts Options) (domain.RemoveResult, error) {
	scope, err := scope.normalize()
	if err != nil {
		return domain.RemoveResult{}, err
	}
	ids, err := normalizeIDs(kind, businessIDs)
	if err != nil {
		return domain.RemoveResult{}, err
	}
	if len(ids) == 0 {
		return domain.RemoveResult{}, nil
	}

	var result domain.RemoveResult
	var touched map[string]struct{}
	err = s.tx.InTx(ctx, func(ctx context.Context, stores repo.Stores) error {
		o, err := s.newOp(scope, stores)
		if err != nil {
			return err
		}
		result, err = o.remove(ctx, kind, ids)
		touched = o.touched
		return err
	})
	if err != nil {
		return domain.RemoveResult{}, err
	}
	s.logger.Debug("entities removed", "owner_id", scope.OwnerID, "kind", kind, "count", len(result.Removed), "affected", len(result.Affected))
	result.Regeneration = s.finish(ctx, scope, touched, result.Affected, opts)
	return result, nil
}

// RemoveAllEntities unmaps every entity of a kind the owner maps.
func (s *Service) RemoveAllEntities(ctx context.Context, scope Scope, kind domain.Kind, opts Options) (domain.RemoveResult, error) {
	scope, err := scope.normalize()
	if err != nil {
		return domain.RemoveResult{}, err
	}
	var result domain.RemoveResult
	var touched map[string]struct{}
	err = s.tx.InTx(ctx, func(ctx context.Context, stores repo.Stores) error {
		o, err := s.newOp(scope, stores)
		if err != nil {
			return err
		}
		mappings, err := o.store.ListOwnerMappings(ctx, scope.OwnerID, kind)
		if err != nil {
			return fmt.Errorf("list %s mappings: %w", kind, err)
		}
		result = domain.RemoveResult{}
		touched = o.touched
		if len(mappings) == 0 {
			return nil
		}
		ids := make([]string, 0, len(mappings))
		for _, m := range mappings {
			ids = append(ids, m.BusinessID)
		}
		result, err = o.remove(ctx, kind, ids)
		return err
	})
	if err != nil {
		return domain.RemoveResult{}, err
	}
	s.logger.Debug("all entities removed", "owner_id", scope.OwnerID, "kind", kind, "count", len(result.Removed))
	result.Regeneration = s.finish(ctx, scope, touched, result.Affected, opts)
	return result, nil
}

func (o *op) remove(ctx context.Context, kind domain.Kind, ids []string) (domain.RemoveResult, error) {
	mapped, err := o.fetchMapped(ctx, kind, ids)
	if err != nil {
		return domain.RemoveResult{}, err
	}
	removed := make([]domain.Entity, 0, len(ids))
	exclude := make(map[domain.Key]struct{}, len(ids))
	changes := make([]change, 0, len(ids))
	for _, id := range ids {
		e, ok := mapped[id]
		if !ok {
			return domain.RemoveResult{}, &domain.StateError{OwnerID: o.scope.OwnerID, Kind: kind, BusinessID: id, Reason: "does not exist"}
		}
		removed = append(removed, e)
		exclude[e.Key()] = struct{}{}
		changes = append(changes, change{old: e, path: []domain.Key{e.Key()}})
	}

	affected, err := o.propagate(ctx, changes, exclude)
	if err != nil {
		return domain.RemoveResult{}, err
	}
	for _, batch := range chunk(ids, o.svc.cfg.LookupBatchSize) {
		if err := o.store.DeleteOwnerMappings(ctx, o.scope.OwnerID, kind, batch); err != nil {
			return domain.RemoveResult{}, fmt.Errorf("unmap %s entities: %w", kind, err)
		}
	}
	surrogates := make([]string, 0, len(removed))
	for _, e := range removed {
		surrogates = append(surrogates, e.SurrogateID)
	}
	if _, err := o.markOrphaned(ctx, surrogates); err != nil {
		return domain.RemoveResult{}, err
	}
	for _, e := range removed {
		if err := o.appendAudit(ctx, "entity.removed", e, domain.Metadata{"affected": len(affected)}); err != nil {
			return domain.RemoveResult{}, err
		}
	}
	return domain.RemoveResult{
		Removed:  removed,
		Affected: affected,
		Orphaned: o.orphanedIDs(),
	}, nil
}

// normalizeIDs trims, de-duplicates and sorts business ids.
func normalizeIDs(kind domain.Kind, businessIDs []string) ([]string, error) {
	out := make([]string, 0, len(businessIDs))
	for _, id := range businessIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, &domain.ValidationError{Kind: kind, Field: "business id"}
		}
		out = append(out, id)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}
