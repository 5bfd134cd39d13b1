package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Fields is the semantic field set of one canonical entity version.
type Fields interface {
	Kind() Kind
	// Normalize returns a copy with set-like values sorted and de-duplicated.
	Normalize() Fields
	Equal(other Fields) bool
}

// Referrer is implemented by field sets that embed other entities.
type Referrer interface {
	Fields
	ReferenceKeys() []Key
	// DropReferences returns a copy without the given embedded entities.
	DropReferences(keys map[Key]struct{}) Fields
}

// Definition is an incoming create/update/import request for one entity.
// Absent optional values leave the current field untouched.
type Definition interface {
	Kind() Kind
	ID() string
	// Validate reports missing required fields for a definition that
	// creates a new entity.
	Validate() error
	// Apply overlays the definition onto base. base is nil for new entities.
	Apply(base Fields) (Fields, error)
	// Locked reports the requested locked flag, if the definition sets one.
	Locked() *bool
}

// Reference is one embedded pointer from a dependent to a canonical entity.
type Reference struct {
	Kind        Kind
	BusinessID  string
	SurrogateID string
	Version     string
}

func (r Reference) Key() Key {
	return Key{Kind: r.Kind, BusinessID: r.BusinessID}
}

// Entity is one immutable, content-addressed version of a shared definition.
type Entity struct {
	SurrogateID string
	Kind        Kind
	BusinessID  string
	Version     string
	Fields      Fields
	References  []Reference
	// LockedByUpstream records that the row was first persisted by an
	// upstream import. It is provenance only and not part of the version.
	LockedByUpstream bool
	CreatedAt        time.Time
	OrphanedAt       *time.Time
}

// NewEntity builds an unsaved entity and derives its version.
func NewEntity(kind Kind, businessID string, fields Fields, refs []Reference) (Entity, error) {
	businessID = strings.TrimSpace(businessID)
	if !kind.Valid() {
		return Entity{}, fmt.Errorf("unknown entity kind %q", kind)
	}
	if businessID == "" {
		return Entity{}, missingField(kind, businessID, "business id")
	}
	if fields == nil {
		return Entity{}, errors.New("fields are required")
	}
	if fields.Kind() != kind {
		return Entity{}, fmt.Errorf("%s fields cannot describe a %s", fields.Kind(), kind)
	}
	fields = fields.Normalize()
	refs = sortReferences(refs)
	if err := checkReferences(kind, businessID, fields, refs); err != nil {
		return Entity{}, err
	}
	version, err := ComputeVersion(kind, businessID, fields, refs)
	if err != nil {
		return Entity{}, err
	}
	return Entity{
		Kind:       kind,
		BusinessID: businessID,
		Version:    version,
		Fields:     fields,
		References: refs,
	}, nil
}

func (e Entity) Key() Key {
	return Key{Kind: e.Kind, BusinessID: e.BusinessID}
}

// Reference returns the embedded form of e.
func (e Entity) Reference() Reference {
	return Reference{Kind: e.Kind, BusinessID: e.BusinessID, SurrogateID: e.SurrogateID, Version: e.Version}
}

func (e Entity) Validate() error {
	if strings.TrimSpace(e.SurrogateID) == "" {
		return errors.New("surrogate id is required")
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("unknown entity kind %q", e.Kind)
	}
	if strings.TrimSpace(e.BusinessID) == "" {
		return errors.New("business id is required")
	}
	if strings.TrimSpace(e.Version) == "" {
		return errors.New("version is required")
	}
	if e.Fields == nil {
		return errors.New("fields are required")
	}
	return nil
}

// WithLocked returns a copy of fields with the locked flag set.
func WithLocked(fields Fields, locked bool) Fields {
	switch f := fields.(type) {
	case Content:
		f.Locked = locked
		return f
	case Product:
		f.Locked = locked
		return f
	default:
		return fields
	}
}

// StructurallyEqual compares every semantic value of a and b. It guards
// version equality against hash collisions.
func StructurallyEqual(a, b Entity) bool {
	if a.Kind != b.Kind || a.BusinessID != b.BusinessID {
		return false
	}
	if a.Fields == nil || b.Fields == nil {
		return a.Fields == nil && b.Fields == nil
	}
	if !a.Fields.Normalize().Equal(b.Fields.Normalize()) {
		return false
	}
	left := sortReferences(a.References)
	right := sortReferences(b.References)
	if len(left) != len(right) {
		return false
	}
	for i := range left {
		if left[i].Key() != right[i].Key() || left[i].Version != right[i].Version {
			return false
		}
	}
	return true
}

func sortReferences(refs []Reference) []Reference {
	if len(refs) == 0 {
		return nil
	}
	out := make([]Reference, len(refs))
	copy(out, refs)
	sort.Slice(out, func(i, j int) bool {
		return lessKey(out[i].Key(), out[j].Key())
	})
	return out
}

func checkReferences(kind Kind, businessID string, fields Fields, refs []Reference) error {
	self := Key{Kind: kind, BusinessID: businessID}
	referrer, ok := fields.(Referrer)
	if !ok {
		if len(refs) > 0 {
			return fmt.Errorf("%s entities cannot embed references", kind)
		}
		return nil
	}
	want := referrer.ReferenceKeys()
	if len(want) != len(refs) {
		return fmt.Errorf("%s %q: %d references resolved for %d embedded entities", kind, businessID, len(refs), len(want))
	}
	for i, key := range want {
		if key == self {
			return &ValidationError{Kind: kind, BusinessID: businessID, Field: "references", Reason: "must not include the entity itself"}
		}
		if refs[i].Key() != key {
			return fmt.Errorf("%s %q: reference %s does not match embedded %s", kind, businessID, refs[i].Key(), key)
		}
		if strings.TrimSpace(refs[i].SurrogateID) == "" || strings.TrimSpace(refs[i].Version) == "" {
			return fmt.Errorf("%s %q: reference %s is unresolved", kind, businessID, key)
		}
	}
	return nil
}
