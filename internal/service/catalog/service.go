package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/catalog-go/internal/domain"
	"github.com/animus-labs/catalog-go/internal/regen"
	"github.com/animus-labs/catalog-go/internal/repo"
)

var (
	ErrPropagationCycle = errors.New("propagation cycle")
	ErrPropagationDepth = errors.New("propagation depth exceeded")
)

// Scope identifies the owner an operation acts for and who requested it.
type Scope struct {
	OwnerID   string
	Actor     string
	RequestID string
}

func (s Scope) normalize() (Scope, error) {
	s.OwnerID = strings.TrimSpace(s.OwnerID)
	if s.OwnerID == "" {
		return Scope{}, fmt.Errorf("%w: owner id is required", domain.ErrValidation)
	}
	s.Actor = strings.TrimSpace(s.Actor)
	if s.Actor == "" {
		s.Actor = "system"
	}
	s.RequestID = strings.TrimSpace(s.RequestID)
	return s, nil
}

// Options control artifact regeneration after a successful commit.
type Options struct {
	Regenerate bool
	Force      bool
}

// invalidator is implemented by caching readers.
type invalidator interface {
	Invalidate(surrogateIDs ...string)
}

type Service struct {
	tx          repo.TxRunner
	reader      repo.EntityStore
	regenerator regen.Regenerator
	cfg         Config
	logger      *slog.Logger
	now         func() time.Time
	newID       func() string
}

func NewService(tx repo.TxRunner, reader repo.EntityStore, regenerator regen.Regenerator, cfg Config, logger *slog.Logger) (*Service, error) {
	if tx == nil {
		return nil, errors.New("tx runner is required")
	}
	if reader == nil {
		return nil, errors.New("entity reader is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if regenerator == nil {
		regenerator = regen.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		tx:          tx,
		reader:      reader,
		regenerator: regenerator,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
		newID:       uuid.NewString,
	}, nil
}

// GetEntity returns one canonical entity by surrogate id.
func (s *Service) GetEntity(ctx context.Context, surrogateID string) (domain.Entity, error) {
	surrogateID = strings.TrimSpace(surrogateID)
	if surrogateID == "" {
		return domain.Entity{}, fmt.Errorf("%w: surrogate id is required", domain.ErrValidation)
	}
	return s.reader.FetchByID(ctx, surrogateID)
}

// GetOwnerEntity returns the entity the owner currently maps for a business id.
func (s *Service) GetOwnerEntity(ctx context.Context, scope Scope, kind domain.Kind, businessID string) (domain.Entity, error) {
	scope, err := scope.normalize()
	if err != nil {
		return domain.Entity{}, err
	}
	businessID = strings.TrimSpace(businessID)
	found, err := s.reader.FetchByBusinessIDs(ctx, scope.OwnerID, kind, []string{businessID})
	if err != nil {
		return domain.Entity{}, err
	}
	entity, ok := found[businessID]
	if !ok {
		return domain.Entity{}, repo.ErrNotFound
	}
	return entity, nil
}

// ListOwnerEntities returns every entity of a kind the owner maps, ordered by business id.
func (s *Service) ListOwnerEntities(ctx context.Context, scope Scope, kind domain.Kind) ([]domain.Entity, error) {
	scope, err := scope.normalize()
	if err != nil {
		return nil, err
	}
	mappings, err := s.reader.ListOwnerMappings(ctx, scope.OwnerID, kind)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(mappings))
	for _, m := range mappings {
		ids = append(ids, m.BusinessID)
	}
	out := make([]domain.Entity, 0, len(ids))
	for _, batch := range chunk(ids, s.cfg.LookupBatchSize) {
		found, err := s.reader.FetchByBusinessIDs(ctx, scope.OwnerID, kind, batch)
		if err != nil {
			return nil, err
		}
		for _, id := range batch {
			if entity, ok := found[id]; ok {
				out = append(out, entity)
			}
		}
	}
	return out, nil
}

// op carries the state of one transaction attempt.
type op struct {
	svc      *Service
	scope    Scope
	store    repo.EntityStore
	audit    repo.AuditEventAppender
	at       time.Time
	touched  map[string]struct{}
	orphaned []string
}

func (s *Service) newOp(scope Scope, stores repo.Stores) (*op, error) {
	if stores.Entities == nil || stores.Audit == nil {
		return nil, errors.New("transaction stores are required")
	}
	return &op{
		svc:     s,
		scope:   scope,
		store:   stores.Entities,
		audit:   stores.Audit,
		at:      s.now().UTC(),
		touched: make(map[string]struct{}),
	}, nil
}

func (o *op) touch(ids ...string) {
	for _, id := range ids {
		if id != "" {
			o.touched[id] = struct{}{}
		}
	}
}

// fetchMapped loads the owner's current entities for business ids in chunks.
func (o *op) fetchMapped(ctx context.Context, kind domain.Kind, businessIDs []string) (map[string]domain.Entity, error) {
	out := make(map[string]domain.Entity, len(businessIDs))
	for _, batch := range chunk(businessIDs, o.svc.cfg.LookupBatchSize) {
		found, err := o.store.FetchByBusinessIDs(ctx, o.scope.OwnerID, kind, batch)
		if err != nil {
			return nil, fmt.Errorf("fetch %s mappings: %w", kind, err)
		}
		maps.Copy(out, found)
	}
	return out, nil
}

// markOrphaned stamps replaced or unmapped rows nobody maps any more.
func (o *op) markOrphaned(ctx context.Context, surrogateIDs []string) ([]string, error) {
	if len(surrogateIDs) == 0 {
		return nil, nil
	}
	var marked []string
	for _, batch := range chunk(surrogateIDs, o.svc.cfg.LookupBatchSize) {
		ids, err := o.store.MarkOrphaned(ctx, batch, o.at)
		if err != nil {
			return nil, fmt.Errorf("mark orphaned: %w", err)
		}
		marked = append(marked, ids...)
	}
	o.touch(surrogateIDs...)
	o.orphaned = append(o.orphaned, marked...)
	slices.Sort(marked)
	return marked, nil
}

// orphanedIDs lists every row this attempt left without an owner.
func (o *op) orphanedIDs() []string {
	return o.orphanedSince(0)
}

// orphanedSince lists the rows orphaned after the first start markings.
func (o *op) orphanedSince(start int) []string {
	out := slices.Clone(o.orphaned[start:])
	slices.Sort(out)
	return slices.Compact(out)
}

func (o *op) appendAudit(ctx context.Context, action string, entity domain.Entity, payload domain.Metadata) error {
	payload = payload.Clone()
	payload["owner_id"] = o.scope.OwnerID
	payload["surrogate_id"] = entity.SurrogateID
	payload["version"] = entity.Version
	_, err := o.audit.Append(ctx, domain.AuditEvent{
		OccurredAt:   o.at,
		Actor:        o.scope.Actor,
		Action:       action,
		ResourceType: string(entity.Kind),
		ResourceID:   entity.BusinessID,
		RequestID:    o.scope.RequestID,
		Payload:      payload,
	})
	if err != nil {
		return fmt.Errorf("audit %s %s: %w", action, entity.Key(), err)
	}
	return nil
}

// finish runs the post-commit steps: cache invalidation and artifact
// regeneration for the affected dependents.
func (s *Service) finish(ctx context.Context, scope Scope, touched map[string]struct{}, dependents []domain.Key, opts Options) *domain.PropagationFailure {
	if inv, ok := s.reader.(invalidator); ok && len(touched) > 0 {
		inv.Invalidate(slices.Collect(maps.Keys(touched))...)
	}
	if !opts.Regenerate {
		return nil
	}
	ids := make([]string, 0, len(dependents))
	for _, key := range dependents {
		if key.Kind == domain.KindProduct {
			ids = append(ids, key.BusinessID)
		}
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)
	if len(ids) == 0 {
		return nil
	}
	owners := []string{scope.OwnerID}
	if err := s.regenerator.RegenerateArtifactsFor(ctx, owners, ids, opts.Force); err != nil {
		s.logger.Warn("artifact regeneration failed",
			"owner_id", scope.OwnerID,
			"request_id", scope.RequestID,
			"dependents", ids,
			"error", err,
		)
		return &domain.PropagationFailure{OwnerIDs: owners, DependentIDs: ids, Err: err}
	}
	return nil
}

func sortKeys(keys []domain.Key) []domain.Key {
	slices.SortFunc(keys, func(a, b domain.Key) int {
		if c := strings.Compare(string(a.Kind), string(b.Kind)); c != 0 {
			return c
		}
		return strings.Compare(a.BusinessID, b.BusinessID)
	})
	return slices.Compact(keys)
}
