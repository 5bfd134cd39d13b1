package catalog

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/animus-labs/catalog-go/internal/domain"
	"github.com/animus-labs/catalog-go/internal/repo"
)

// resolution is the canonical row chosen for one candidate.
type resolution struct {
	entity domain.Entity
	reused bool
}

// converge maps each candidate onto a structurally-equal existing row or
// persists it as a new version. current holds the surrogate id each business
// id is mapped to today; an alternate different from it is preferred.
// upstream marks business ids whose newly persisted rows come from an
// upstream import.
func (o *op) converge(ctx context.Context, kind domain.Kind, candidates []domain.Entity, current map[string]string, upstream map[string]bool) (map[string]resolution, error) {
	out := make(map[string]resolution, len(candidates))
	if len(candidates) == 0 {
		return out, nil
	}
	existing, err := o.fetchVersions(ctx, kind, candidates)
	if err != nil {
		return nil, err
	}

	staged := make([]domain.Entity, 0, len(candidates))
	for _, cand := range candidates {
		if match, ok := o.pickAlternate(cand, existing, current[cand.BusinessID]); ok {
			out[cand.BusinessID] = resolution{entity: match, reused: true}
			continue
		}
		cand.SurrogateID = o.svc.newID()
		cand.CreatedAt = o.at
		cand.LockedByUpstream = upstream[cand.BusinessID]
		staged = append(staged, cand)
	}
	if len(staged) == 0 {
		return out, nil
	}

	conflicts, err := o.store.CreateBatch(ctx, staged)
	if err != nil {
		return nil, fmt.Errorf("create %s entities: %w", kind, err)
	}
	lost := make(map[string]struct{}, len(conflicts))
	for _, c := range conflicts {
		lost[c.SurrogateID] = struct{}{}
	}
	for _, e := range staged {
		if _, ok := lost[e.SurrogateID]; !ok {
			out[e.BusinessID] = resolution{entity: e}
			o.touch(e.SurrogateID)
		}
	}
	if len(conflicts) == 0 {
		return out, nil
	}

	// Another transaction committed the same version first; reuse its row.
	winners, err := o.fetchVersions(ctx, kind, conflicts)
	if err != nil {
		return nil, err
	}
	for _, c := range conflicts {
		match, ok := o.pickAlternate(c, winners, "")
		if !ok {
			return nil, &domain.ConvergenceConflict{Kind: kind, BusinessID: c.BusinessID, Version: c.Version}
		}
		o.svc.logger.Debug("lost create race, converged onto winner",
			"kind", kind, "business_id", c.BusinessID, "surrogate_id", match.SurrogateID)
		out[c.BusinessID] = resolution{entity: match, reused: true}
	}
	return out, nil
}

type versionIndex map[repo.VersionKey][]domain.Entity

func (o *op) fetchVersions(ctx context.Context, kind domain.Kind, entities []domain.Entity) (versionIndex, error) {
	keys := make([]repo.VersionKey, 0, len(entities))
	for _, e := range entities {
		keys = append(keys, repo.VersionKey{BusinessID: e.BusinessID, Version: e.Version})
	}
	index := make(versionIndex, len(keys))
	for _, batch := range chunk(keys, o.svc.cfg.LookupBatchSize) {
		found, err := o.store.FetchByVersions(ctx, kind, batch)
		if err != nil {
			return nil, fmt.Errorf("fetch %s versions: %w", kind, err)
		}
		for _, e := range found {
			key := repo.VersionKey{BusinessID: e.BusinessID, Version: e.Version}
			index[key] = append(index[key], e)
		}
	}
	return index, nil
}

// pickAlternate returns the structurally-equal row for cand, preferring rows
// other than exclude. Several equal rows resolve to the lowest surrogate id.
func (o *op) pickAlternate(cand domain.Entity, index versionIndex, exclude string) (domain.Entity, bool) {
	var matches []domain.Entity
	var self *domain.Entity
	for _, e := range index[repo.VersionKey{BusinessID: cand.BusinessID, Version: cand.Version}] {
		if !domain.StructurallyEqual(cand, e) {
			o.svc.logger.Warn("version collision between structurally different entities",
				"kind", cand.Kind, "business_id", cand.BusinessID, "version", cand.Version, "surrogate_id", e.SurrogateID)
			continue
		}
		if exclude != "" && e.SurrogateID == exclude {
			self = &e
			continue
		}
		matches = append(matches, e)
	}
	if len(matches) == 0 {
		if self != nil {
			return *self, true
		}
		return domain.Entity{}, false
	}
	slices.SortFunc(matches, func(a, b domain.Entity) int {
		switch {
		case a.SurrogateID < b.SurrogateID:
			return -1
		case a.SurrogateID > b.SurrogateID:
			return 1
		default:
			return 0
		}
	})
	if len(matches) > 1 {
		o.svc.logger.Warn("multiple equal alternates, picking lowest surrogate id",
			"kind", cand.Kind, "business_id", cand.BusinessID, "version", cand.Version,
			"alternates", len(matches), "surrogate_id", matches[0].SurrogateID)
	}
	return matches[0], true
}

// resolveTargets adds the owner's mapped entities for keys missing from known.
func (o *op) resolveTargets(ctx context.Context, keys []domain.Key, known map[domain.Key]domain.Entity) (map[domain.Key]domain.Entity, error) {
	out := make(map[domain.Key]domain.Entity, len(known)+len(keys))
	for k, e := range known {
		out[k] = e
	}
	missing := make(map[domain.Kind][]string)
	for _, key := range sortKeys(slices.Clone(keys)) {
		if _, ok := out[key]; !ok {
			missing[key.Kind] = append(missing[key.Kind], key.BusinessID)
		}
	}
	for _, kind := range []domain.Kind{domain.KindContent, domain.KindProduct} {
		if len(missing[kind]) == 0 {
			continue
		}
		found, err := o.fetchMapped(ctx, kind, missing[kind])
		if err != nil {
			return nil, err
		}
		for id, e := range found {
			out[domain.Key{Kind: kind, BusinessID: id}] = e
		}
	}
	return out, nil
}

func referenceKeys(fields domain.Fields) []domain.Key {
	if referrer, ok := fields.(domain.Referrer); ok {
		return referrer.ReferenceKeys()
	}
	return nil
}

// buildCandidate derives the unsaved entity for fields with references
// resolved through targets.
func (o *op) buildCandidate(kind domain.Kind, businessID string, fields domain.Fields, targets map[domain.Key]domain.Entity) (domain.Entity, error) {
	keys := referenceKeys(fields)
	refs := make([]domain.Reference, 0, len(keys))
	for _, key := range keys {
		target, ok := targets[key]
		if !ok {
			return domain.Entity{}, &domain.StateError{
				OwnerID:    o.scope.OwnerID,
				Kind:       kind,
				BusinessID: businessID,
				Reason:     fmt.Sprintf("references %s which the owner does not map", key),
			}
		}
		refs = append(refs, target.Reference())
	}
	return domain.NewEntity(kind, businessID, fields, refs)
}

// CreateEntity maps a new business id for the owner, reusing an equal
// canonical row when one exists.
func (s *Service) CreateEntity(ctx context.Context, scope Scope, def domain.Definition, opts Options) (domain.ChangeResult, error) {
	scope, err := scope.normalize()
	if err != nil {
		return domain.ChangeResult{}, err
	}
	if def == nil {
		return domain.ChangeResult{}, errors.New("definition is required")
	}
	if err := def.Validate(); err != nil {
		return domain.ChangeResult{}, err
	}
	kind, id := def.Kind(), def.ID()

	var result domain.ChangeResult
	var touched map[string]struct{}
	err = s.tx.InTx(ctx, func(ctx context.Context, stores repo.Stores) error {
		o, err := s.newOp(scope, stores)
		if err != nil {
			return err
		}
		mapped, err := o.fetchMapped(ctx, kind, []string{id})
		if err != nil {
			return err
		}
		if _, ok := mapped[id]; ok {
			return &domain.StateError{OwnerID: scope.OwnerID, Kind: kind, BusinessID: id, Reason: "already exists"}
		}
		fields, err := def.Apply(nil)
		if err != nil {
			return err
		}
		targets, err := o.resolveTargets(ctx, referenceKeys(fields), nil)
		if err != nil {
			return err
		}
		cand, err := o.buildCandidate(kind, id, fields, targets)
		if err != nil {
			return err
		}
		resolved, err := o.converge(ctx, kind, []domain.Entity{cand}, nil, nil)
		if err != nil {
			return err
		}
		res := resolved[id]
		if err := o.store.UpsertOwnerMappings(ctx, []repo.OwnerMapping{{
			OwnerID:     scope.OwnerID,
			Kind:        kind,
			BusinessID:  id,
			SurrogateID: res.entity.SurrogateID,
			UpdatedAt:   o.at,
		}}); err != nil {
			return fmt.Errorf("map %s %s: %w", kind, id, err)
		}
		o.touch(res.entity.SurrogateID)

		result = domain.ChangeResult{Entity: res.entity, Outcome: domain.OutcomeCreated}
		action := "entity.created"
		if res.reused {
			result.Outcome = domain.OutcomeReused
			action = "entity.reused"
		}
		touched = o.touched
		return o.appendAudit(ctx, action, res.entity, nil)
	})
	if err != nil {
		return domain.ChangeResult{}, err
	}
	s.logger.Debug("entity created", "owner_id", scope.OwnerID, "kind", kind, "business_id", id, "outcome", result.Outcome)
	result.Regeneration = s.finish(ctx, scope, touched, nil, opts)
	return result, nil
}

// UpdateEntity applies def to the owner's current entity. The shared row is
// never modified: the owner converges onto an equal alternate or forks a new
// version, and dependents are re-versioned.
func (s *Service) UpdateEntity(ctx context.Context, scope Scope, def domain.Definition, opts Options) (domain.ChangeResult, error) {
	scope, err := scope.normalize()
	if err != nil {
		return domain.ChangeResult{}, err
	}
	if def == nil {
		return domain.ChangeResult{}, errors.New("definition is required")
	}
	kind, id := def.Kind(), def.ID()
	if id == "" {
		return domain.ChangeResult{}, &domain.ValidationError{Kind: kind, Field: "business id"}
	}

	var result domain.ChangeResult
	var touched map[string]struct{}
	err = s.tx.InTx(ctx, func(ctx context.Context, stores repo.Stores) error {
		o, err := s.newOp(scope, stores)
		if err != nil {
			return err
		}
		mapped, err := o.fetchMapped(ctx, kind, []string{id})
		if err != nil {
			return err
		}
		current, ok := mapped[id]
		if !ok {
			return &domain.StateError{OwnerID: scope.OwnerID, Kind: kind, BusinessID: id, Reason: "does not exist"}
		}
		touched = o.touched
		result = domain.ChangeResult{Entity: current, Outcome: domain.OutcomeUnchanged}

		fields, err := def.Apply(current.Fields)
		if err != nil {
			return err
		}
		if fields.Equal(current.Fields) {
			return nil
		}
		targets, err := o.resolveTargets(ctx, referenceKeys(fields), nil)
		if err != nil {
			return err
		}
		cand, err := o.buildCandidate(kind, id, fields, targets)
		if err != nil {
			return err
		}
		if domain.StructurallyEqual(cand, current) {
			return nil
		}

		resolved, err := o.converge(ctx, kind, []domain.Entity{cand}, map[string]string{id: current.SurrogateID}, nil)
		if err != nil {
			return err
		}
		res := resolved[id]
		if res.entity.SurrogateID == current.SurrogateID {
			return nil
		}
		if err := o.store.RewriteOwnerReferences(ctx, scope.OwnerID, map[string]string{current.SurrogateID: res.entity.SurrogateID}); err != nil {
			return fmt.Errorf("remap %s %s: %w", kind, id, err)
		}
		o.touch(current.SurrogateID, res.entity.SurrogateID)

		affected, err := o.propagate(ctx, []change{{old: current, next: &res.entity, path: []domain.Key{current.Key()}}}, nil)
		if err != nil {
			return err
		}
		if _, err := o.markOrphaned(ctx, []string{current.SurrogateID}); err != nil {
			return err
		}

		prev := current
		result = domain.ChangeResult{
			Entity:   res.entity,
			Previous: &prev,
			Outcome:  domain.OutcomeForked,
			Affected: affected,
			Orphaned: o.orphanedIDs(),
		}
		action := "entity.forked"
		if res.reused {
			result.Outcome = domain.OutcomeConverged
			action = "entity.converged"
		}
		return o.appendAudit(ctx, action, res.entity, domain.Metadata{
			"previous_surrogate_id": current.SurrogateID,
			"affected":              len(affected),
		})
	})
	if err != nil {
		return domain.ChangeResult{}, err
	}
	s.logger.Debug("entity updated", "owner_id", scope.OwnerID, "kind", kind, "business_id", id, "outcome", result.Outcome)
	if result.Outcome == domain.OutcomeUnchanged {
		return result, nil
	}
	dependents := slices.Clone(result.Affected)
	if kind == domain.KindProduct {
		dependents = append(dependents, result.Entity.Key())
	}
	result.Regeneration = s.finish(ctx, scope, touched, dependents, opts)
	return result, nil
}
