package catalog

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/animus-labs/catalog-go/internal/domain"
)

// change is one mapping move that dependents must follow. next is nil when
// the owner no longer maps the entity.
type change struct {
	old  domain.Entity
	next *domain.Entity
	// path lists the keys whose changes led here, ending with old's key.
	path []domain.Key
}

type rebuild struct {
	current   domain.Entity
	candidate domain.Entity
	path      []domain.Key
}

// propagate rewrites the owner's dependents of changes, level by level, and
// returns the keys of every dependent it re-versioned. Dependents in exclude
// are left untouched.
func (o *op) propagate(ctx context.Context, changes []change, exclude map[domain.Key]struct{}) ([]domain.Key, error) {
	var affected []domain.Key
	depth := 0
	for len(changes) > 0 {
		byOld := make(map[string]change, len(changes))
		for _, c := range changes {
			byOld[c.old.SurrogateID] = c
		}
		dependents, err := o.fetchDependents(ctx, slices.Sorted(maps.Keys(byOld)))
		if err != nil {
			return nil, err
		}
		rebuilds := make(map[domain.Kind][]rebuild)
		for _, dep := range dependents {
			if _, skip := exclude[dep.Key()]; skip {
				continue
			}
			rb, ok, err := o.rebuildDependent(dep, byOld)
			if err != nil {
				return nil, err
			}
			if ok {
				rebuilds[dep.Kind] = append(rebuilds[dep.Kind], rb)
			}
		}
		if len(rebuilds) == 0 {
			break
		}
		depth++
		if depth > o.svc.cfg.MaxPropagationDepth {
			return nil, fmt.Errorf("%w: owner %s beyond %d levels", ErrPropagationDepth, o.scope.OwnerID, o.svc.cfg.MaxPropagationDepth)
		}

		var next []change
		for _, kind := range []domain.Kind{domain.KindContent, domain.KindProduct} {
			level, err := o.applyRebuilds(ctx, kind, rebuilds[kind])
			if err != nil {
				return nil, err
			}
			for _, c := range level {
				affected = append(affected, c.old.Key())
			}
			next = append(next, level...)
		}
		changes = next
	}
	return sortKeys(affected), nil
}

func (o *op) fetchDependents(ctx context.Context, surrogateIDs []string) ([]domain.Entity, error) {
	seen := make(map[string]struct{})
	var out []domain.Entity
	for _, batch := range chunk(surrogateIDs, o.svc.cfg.LookupBatchSize) {
		found, err := o.store.FetchDependents(ctx, o.scope.OwnerID, batch)
		if err != nil {
			return nil, fmt.Errorf("fetch dependents: %w", err)
		}
		for _, e := range found {
			if _, dup := seen[e.SurrogateID]; dup {
				continue
			}
			seen[e.SurrogateID] = struct{}{}
			out = append(out, e)
		}
	}
	return out, nil
}

// rebuildDependent swaps or drops the references of dep that point at changed
// entities and derives its new version.
func (o *op) rebuildDependent(dep domain.Entity, byOld map[string]change) (rebuild, bool, error) {
	fields := dep.Fields
	dropped := make(map[domain.Key]struct{})
	refs := make([]domain.Reference, 0, len(dep.References))
	var path []domain.Key
	for _, ref := range dep.References {
		c, ok := byOld[ref.SurrogateID]
		if !ok {
			refs = append(refs, ref)
			continue
		}
		if slices.Contains(c.path, dep.Key()) {
			return rebuild{}, false, fmt.Errorf("%w: %s re-entered through %v", ErrPropagationCycle, dep.Key(), c.path)
		}
		path = append(path, c.path...)
		if c.next == nil {
			dropped[ref.Key()] = struct{}{}
			continue
		}
		refs = append(refs, c.next.Reference())
	}
	if len(path) == 0 {
		return rebuild{}, false, nil
	}
	if len(dropped) > 0 {
		referrer, ok := fields.(domain.Referrer)
		if !ok {
			return rebuild{}, false, fmt.Errorf("%s embeds references but cannot drop them", dep.Key())
		}
		fields = referrer.DropReferences(dropped)
	}
	cand, err := domain.NewEntity(dep.Kind, dep.BusinessID, fields, refs)
	if err != nil {
		return rebuild{}, false, fmt.Errorf("rebuild %s: %w", dep.Key(), err)
	}
	if domain.StructurallyEqual(cand, dep) {
		return rebuild{}, false, nil
	}
	path = append(sortKeys(path), dep.Key())
	return rebuild{current: dep, candidate: cand, path: path}, true, nil
}

// applyRebuilds converges one kind of rebuilt dependents and moves the
// owner's mappings onto them.
func (o *op) applyRebuilds(ctx context.Context, kind domain.Kind, rebuilds []rebuild) ([]change, error) {
	if len(rebuilds) == 0 {
		return nil, nil
	}
	candidates := make([]domain.Entity, 0, len(rebuilds))
	current := make(map[string]string, len(rebuilds))
	upstream := make(map[string]bool, len(rebuilds))
	for _, rb := range rebuilds {
		candidates = append(candidates, rb.candidate)
		current[rb.current.BusinessID] = rb.current.SurrogateID
		upstream[rb.current.BusinessID] = rb.current.LockedByUpstream
	}
	resolved, err := o.converge(ctx, kind, candidates, current, upstream)
	if err != nil {
		return nil, err
	}

	replacements := make(map[string]string, len(rebuilds))
	changes := make([]change, 0, len(rebuilds))
	oldIDs := make([]string, 0, len(rebuilds))
	for _, rb := range rebuilds {
		res := resolved[rb.current.BusinessID]
		if res.entity.SurrogateID == rb.current.SurrogateID {
			continue
		}
		replacements[rb.current.SurrogateID] = res.entity.SurrogateID
		oldIDs = append(oldIDs, rb.current.SurrogateID)
		next := res.entity
		changes = append(changes, change{old: rb.current, next: &next, path: rb.path})
	}
	if len(replacements) == 0 {
		return nil, nil
	}
	if err := o.store.RewriteOwnerReferences(ctx, o.scope.OwnerID, replacements); err != nil {
		return nil, fmt.Errorf("rewrite %s dependents: %w", kind, err)
	}
	for old, next := range replacements {
		o.touch(old, next)
	}
	if _, err := o.markOrphaned(ctx, oldIDs); err != nil {
		return nil, err
	}
	for _, c := range changes {
		o.svc.logger.Debug("dependent re-versioned",
			"owner_id", o.scope.OwnerID, "kind", kind, "business_id", c.old.BusinessID,
			"from", c.old.SurrogateID, "to", c.next.SurrogateID)
		if err := o.appendAudit(ctx, "entity.propagated", *c.next, domain.Metadata{
			"previous_surrogate_id": c.old.SurrogateID,
		}); err != nil {
			return nil, err
		}
	}
	return changes, nil
}
