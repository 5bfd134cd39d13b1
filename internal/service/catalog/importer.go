package catalog

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/animus-labs/catalog-go/internal/domain"
	"github.com/animus-labs/catalog-go/internal/repo"
)

type ImportOptions struct {
	Options
	// Exclude lists dependents propagation must leave alone, typically
	// because the caller imports them next.
	Exclude []domain.Key
	// Resolved overrides reference targets instead of the owner's mappings.
	Resolved map[domain.Key]domain.Entity
	// Lock is the locked flag given to definitions that do not set one.
	// Nil locks.
	Lock *bool
}

type importEntry struct {
	id      string
	def     domain.Definition
	fields  domain.Fields
	current *domain.Entity
	deps    []string
}

// ImportEntities reconciles a batch of definitions of one kind for the owner
// in a single transaction. Any invalid entry aborts the whole batch.
func (s *Service) ImportEntities(ctx context.Context, scope Scope, kind domain.Kind, defs map[string]domain.Definition, opts ImportOptions) (domain.ImportResult, error) {
	scope, err := scope.normalize()
	if err != nil {
		return domain.ImportResult{}, err
	}
	ids, err := checkImportBatch(kind, defs)
	if err != nil {
		return domain.ImportResult{}, err
	}
	if len(ids) == 0 {
		return domain.NewImportResult(), nil
	}

	var result domain.ImportResult
	var touched map[string]struct{}
	err = s.tx.InTx(ctx, func(ctx context.Context, stores repo.Stores) error {
		o, err := s.newOp(scope, stores)
		if err != nil {
			return err
		}
		result, err = o.importBatch(ctx, kind, ids, defs, opts)
		touched = o.touched
		return err
	})
	if err != nil {
		return domain.ImportResult{}, err
	}
	s.logImport(scope, kind, result)
	result.Regeneration = s.finish(ctx, scope, touched, importDependents(kind, result), opts.Options)
	return result, nil
}

// ImportCatalog reconciles contents and then products in one transaction.
// The content pass leaves the imported products to the product pass, so a
// failure in either pass leaves the owner's catalog untouched.
func (s *Service) ImportCatalog(ctx context.Context, scope Scope, contents, products map[string]domain.Definition, opts ImportOptions) (domain.CatalogImportResult, error) {
	scope, err := scope.normalize()
	if err != nil {
		return domain.CatalogImportResult{}, err
	}
	contentIDs, err := checkImportBatch(domain.KindContent, contents)
	if err != nil {
		return domain.CatalogImportResult{}, err
	}
	productIDs, err := checkImportBatch(domain.KindProduct, products)
	if err != nil {
		return domain.CatalogImportResult{}, err
	}
	result := domain.CatalogImportResult{
		Contents: domain.NewImportResult(),
		Products: domain.NewImportResult(),
	}
	if len(contentIDs)+len(productIDs) == 0 {
		return result, nil
	}

	contentOpts := opts
	contentOpts.Exclude = slices.Clone(opts.Exclude)
	for _, id := range productIDs {
		contentOpts.Exclude = append(contentOpts.Exclude, domain.Key{Kind: domain.KindProduct, BusinessID: id})
	}

	var touched map[string]struct{}
	err = s.tx.InTx(ctx, func(ctx context.Context, stores repo.Stores) error {
		o, err := s.newOp(scope, stores)
		if err != nil {
			return err
		}
		result.Contents, result.Products = domain.NewImportResult(), domain.NewImportResult()
		touched = o.touched
		if len(contentIDs) > 0 {
			if result.Contents, err = o.importBatch(ctx, domain.KindContent, contentIDs, contents, contentOpts); err != nil {
				return err
			}
		}
		if len(productIDs) > 0 {
			if result.Products, err = o.importBatch(ctx, domain.KindProduct, productIDs, products, opts); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.CatalogImportResult{}, err
	}
	s.logImport(scope, domain.KindContent, result.Contents)
	s.logImport(scope, domain.KindProduct, result.Products)

	dependents := append(importDependents(domain.KindContent, result.Contents), importDependents(domain.KindProduct, result.Products)...)
	result.Regeneration = s.finish(ctx, scope, touched, dependents, opts.Options)
	return result, nil
}

func (s *Service) logImport(scope Scope, kind domain.Kind, result domain.ImportResult) {
	s.logger.Info("import reconciled",
		"owner_id", scope.OwnerID,
		"request_id", scope.RequestID,
		"kind", kind,
		"skipped", len(result.Skipped),
		"created", len(result.Created),
		"updated", len(result.Updated),
		"affected", len(result.Affected),
	)
}

// importDependents lists the products whose artifacts an import invalidates.
func importDependents(kind domain.Kind, result domain.ImportResult) []domain.Key {
	dependents := slices.Clone(result.Affected)
	if kind == domain.KindProduct {
		for _, id := range result.UpdatedIDs() {
			dependents = append(dependents, domain.Key{Kind: kind, BusinessID: id})
		}
	}
	return dependents
}

// checkImportBatch validates the batch keys and returns them sorted.
func checkImportBatch(kind domain.Kind, defs map[string]domain.Definition) ([]string, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown entity kind %q", domain.ErrValidation, kind)
	}
	ids := slices.Sorted(maps.Keys(defs))
	for _, id := range ids {
		if err := checkImportDefinition(kind, id, defs[id]); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func checkImportDefinition(kind domain.Kind, id string, def domain.Definition) error {
	if def == nil {
		return &domain.ValidationError{Kind: kind, BusinessID: id, Field: "definition"}
	}
	if def.Kind() != kind {
		return &domain.ValidationError{Kind: kind, BusinessID: id, Reason: "is a " + string(def.Kind()) + " definition"}
	}
	if def.ID() != id {
		return &domain.ValidationError{Kind: kind, BusinessID: id, Field: "business id", Reason: fmt.Sprintf("%q does not match the import key", def.ID())}
	}
	return nil
}

func (o *op) importBatch(ctx context.Context, kind domain.Kind, ids []string, defs map[string]domain.Definition, opts ImportOptions) (domain.ImportResult, error) {
	result := domain.NewImportResult()
	orphanedBefore := len(o.orphaned)
	lockDefault := true
	if opts.Lock != nil {
		lockDefault = *opts.Lock
	}
	current, err := o.fetchMapped(ctx, kind, ids)
	if err != nil {
		return result, err
	}

	// Validate and apply every entry before anything is written.
	entries := make(map[string]*importEntry, len(ids))
	var externalKeys []domain.Key
	for _, id := range ids {
		def := defs[id]
		entry := &importEntry{id: id, def: def}
		var base domain.Fields
		if cur, ok := current[id]; ok {
			entry.current = &cur
			base = cur.Fields
		} else if err := def.Validate(); err != nil {
			return result, err
		}
		fields, err := def.Apply(base)
		if err != nil {
			return result, err
		}
		if def.Locked() == nil {
			fields = domain.WithLocked(fields, lockDefault)
		}
		entry.fields = fields
		for _, key := range referenceKeys(fields) {
			if _, inBatch := defs[key.BusinessID]; inBatch && key.Kind == kind {
				entry.deps = append(entry.deps, key.BusinessID)
				continue
			}
			externalKeys = append(externalKeys, key)
		}
		entries[id] = entry
	}

	targets, err := o.resolveTargets(ctx, externalKeys, opts.Resolved)
	if err != nil {
		return result, err
	}
	// Same-batch references always point at the reconciled entry.
	for _, id := range ids {
		delete(targets, domain.Key{Kind: kind, BusinessID: id})
	}

	exclude := make(map[domain.Key]struct{}, len(ids)+len(opts.Exclude))
	for _, key := range opts.Exclude {
		exclude[key] = struct{}{}
	}
	for _, id := range ids {
		exclude[domain.Key{Kind: kind, BusinessID: id}] = struct{}{}
	}

	var (
		creates      []repo.OwnerMapping
		replacements = make(map[string]string)
		changes      []change
		oldIDs       []string
		audits       []importAudit
	)
	pending := slices.Clone(ids)
	for len(pending) > 0 {
		wave, rest := nextWave(pending, entries, targets, kind)
		if len(wave) == 0 {
			return result, &domain.ValidationError{Kind: kind, BusinessID: rest[0], Field: "references", Reason: "form a cycle within the import batch"}
		}
		pending = rest

		candidates := make([]domain.Entity, 0, len(wave))
		currentIDs := make(map[string]string, len(wave))
		upstream := make(map[string]bool, len(wave))
		for _, id := range wave {
			entry := entries[id]
			cand, err := o.buildCandidate(kind, id, entry.fields, targets)
			if err != nil {
				return result, err
			}
			if entry.current != nil && domain.StructurallyEqual(cand, *entry.current) {
				result.Skipped[id] = *entry.current
				targets[domain.Key{Kind: kind, BusinessID: id}] = *entry.current
				continue
			}
			candidates = append(candidates, cand)
			if entry.current != nil {
				currentIDs[id] = entry.current.SurrogateID
			}
			upstream[id] = true
		}

		resolved, err := o.converge(ctx, kind, candidates, currentIDs, upstream)
		if err != nil {
			return result, err
		}
		for _, cand := range candidates {
			id := cand.BusinessID
			res := resolved[id]
			entry := entries[id]
			targets[domain.Key{Kind: kind, BusinessID: id}] = res.entity
			switch {
			case entry.current == nil:
				result.Created[id] = res.entity
				creates = append(creates, repo.OwnerMapping{
					OwnerID:     o.scope.OwnerID,
					Kind:        kind,
					BusinessID:  id,
					SurrogateID: res.entity.SurrogateID,
					UpdatedAt:   o.at,
				})
				audits = append(audits, importAudit{entity: res.entity, reused: res.reused})
			case res.entity.SurrogateID == entry.current.SurrogateID:
				result.Skipped[id] = res.entity
			default:
				result.Updated[id] = res.entity
				replacements[entry.current.SurrogateID] = res.entity.SurrogateID
				oldIDs = append(oldIDs, entry.current.SurrogateID)
				next := res.entity
				changes = append(changes, change{old: *entry.current, next: &next, path: []domain.Key{entry.current.Key()}})
				audits = append(audits, importAudit{entity: res.entity, previous: entry.current, reused: res.reused})
			}
		}
	}

	for _, batch := range chunk(creates, o.svc.cfg.LookupBatchSize) {
		if err := o.store.UpsertOwnerMappings(ctx, batch); err != nil {
			return result, fmt.Errorf("map imported %s entities: %w", kind, err)
		}
	}
	for _, m := range creates {
		o.touch(m.SurrogateID)
	}
	if len(replacements) > 0 {
		if err := o.store.RewriteOwnerReferences(ctx, o.scope.OwnerID, replacements); err != nil {
			return result, fmt.Errorf("remap imported %s entities: %w", kind, err)
		}
		for old, next := range replacements {
			o.touch(old, next)
		}
	}

	affected, err := o.propagate(ctx, changes, exclude)
	if err != nil {
		return result, err
	}
	if _, err := o.markOrphaned(ctx, oldIDs); err != nil {
		return result, err
	}
	for _, a := range audits {
		if err := o.appendAudit(ctx, a.action(), a.entity, a.payload()); err != nil {
			return result, err
		}
	}
	result.Affected = affected
	result.Orphaned = o.orphanedSince(orphanedBefore)
	return result, nil
}

// nextWave returns the pending ids whose same-batch references are already
// resolved, and the ids that must wait.
func nextWave(pending []string, entries map[string]*importEntry, targets map[domain.Key]domain.Entity, kind domain.Kind) ([]string, []string) {
	var ready, rest []string
	for _, id := range pending {
		waiting := false
		for _, dep := range entries[id].deps {
			if _, ok := targets[domain.Key{Kind: kind, BusinessID: dep}]; !ok {
				waiting = true
				break
			}
		}
		if waiting {
			rest = append(rest, id)
		} else {
			ready = append(ready, id)
		}
	}
	return ready, rest
}

type importAudit struct {
	entity   domain.Entity
	previous *domain.Entity
	reused   bool
}

func (a importAudit) action() string {
	switch {
	case a.previous == nil && a.reused:
		return "entity.reused"
	case a.previous == nil:
		return "entity.created"
	case a.reused:
		return "entity.converged"
	default:
		return "entity.forked"
	}
}

func (a importAudit) payload() domain.Metadata {
	meta := domain.Metadata{"source": "import"}
	if a.previous != nil {
		meta["previous_surrogate_id"] = a.previous.SurrogateID
	}
	return meta
}
