// Package catalog reconciles owner-scoped definitions against shared,
// content-addressed canonical entities.
//
// Every canonical entity is immutable and identified by (kind, business id,
// version), where the version hashes the semantic fields and embedded
// references. Owners hold mappings from business ids to canonical rows:
//   - create maps the owner to an existing structurally-equal row (reuse) or
//     persists a new one (fork);
//   - update never mutates a shared row; it redirects the owner's mapping to
//     an equal alternate (converge) or to a freshly persisted version (fork);
//   - every mapping change is propagated into the owner's dependents, which
//     are re-versioned level by level with depth and cycle guards;
//   - import reconciles a whole batch in one transaction, classifying each
//     entry as skipped, created or updated.
//
// Artifact regeneration for re-versioned dependents runs after commit. Its
// failure is reported in the result and never rolls back the mapping changes.
package catalog
