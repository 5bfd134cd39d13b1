// Package regen notifies the external certificate generator that artifacts
// derived from re-versioned dependents must be rebuilt.
package regen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/catalog-go/internal/storage/objectstore"
)

// Regenerator requests artifact regeneration for dependents of the given owners.
type Regenerator interface {
	RegenerateArtifactsFor(ctx context.Context, ownerIDs []string, dependentIDs []string, force bool) error
}

// Noop accepts every request without doing anything.
type Noop struct{}

func (Noop) RegenerateArtifactsFor(context.Context, []string, []string, bool) error {
	return nil
}

// Request is the manifest written for one owner.
type Request struct {
	RequestID    string    `json:"request_id"`
	OwnerID      string    `json:"owner_id"`
	DependentIDs []string  `json:"dependent_ids"`
	Force        bool      `json:"force"`
	RequestedAt  time.Time `json:"requested_at"`
}

// ObjectStoreRegenerator drops one JSON request per owner into a bucket that
// the certificate generator consumes.
type ObjectStoreRegenerator struct {
	store  objectstore.Store
	prefix string
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// NewObjectStoreRegenerator writes requests under prefix. An empty prefix
// places them at the bucket root.
func NewObjectStoreRegenerator(store objectstore.Store, prefix string, logger *slog.Logger) (*ObjectStoreRegenerator, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if strings.Contains(prefix, "..") {
		return nil, fmt.Errorf("invalid request prefix %q", prefix)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ObjectStoreRegenerator{
		store:  store,
		prefix: prefix,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}, nil
}

func (r *ObjectStoreRegenerator) RegenerateArtifactsFor(ctx context.Context, ownerIDs []string, dependentIDs []string, force bool) error {
	if r == nil || r.store == nil {
		return errors.New("regenerator not initialized")
	}
	owners := uniqueSorted(ownerIDs)
	if len(owners) == 0 {
		return nil
	}
	dependents := uniqueSorted(dependentIDs)
	requestedAt := r.now().UTC()

	var errs []error
	for _, owner := range owners {
		req := Request{
			RequestID:    r.newID(),
			OwnerID:      owner,
			DependentIDs: dependents,
			Force:        force,
			RequestedAt:  requestedAt,
		}
		if err := r.put(ctx, req); err != nil {
			errs = append(errs, fmt.Errorf("owner %s: %w", owner, err))
			continue
		}
		r.logger.Info("artifact regeneration requested",
			"owner_id", owner,
			"request_id", req.RequestID,
			"dependents", len(dependents),
			"force", force,
		)
	}
	return errors.Join(errs...)
}

func (r *ObjectStoreRegenerator) put(ctx context.Context, req Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return r.store.PutJSON(ctx, ObjectKey(r.prefix, req), body)
}

// ObjectKey places requests under prefix/owner/date/request-id.json.
func ObjectKey(prefix string, req Request) string {
	return path.Join(prefix, req.OwnerID, req.RequestedAt.UTC().Format("2006-01-02"), req.RequestID+".json")
}

func uniqueSorted(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
