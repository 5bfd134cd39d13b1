package domain

import "strings"

// Metadata is an unstructured payload attached to audit events.
type Metadata map[string]any

func (m Metadata) Clone() Metadata {
	if m == nil {
		return Metadata{}
	}
	copy := make(Metadata, len(m))
	for k, v := range m {
		copy[k] = v
	}
	return copy
}

// Kind names a family of canonical entities sharing one versioning scheme.
type Kind string

const (
	KindContent Kind = "content"
	KindProduct Kind = "product"
)

func (k Kind) Valid() bool {
	switch k {
	case KindContent, KindProduct:
		return true
	default:
		return false
	}
}

// ParseKind maps a free-form value onto a known kind.
func ParseKind(value string) (Kind, bool) {
	kind := Kind(strings.ToLower(strings.TrimSpace(value)))
	return kind, kind.Valid()
}

// Key identifies a logical entity independently of its versions.
type Key struct {
	Kind       Kind
	BusinessID string
}

func (k Key) String() string {
	return string(k.Kind) + "/" + k.BusinessID
}

func lessKey(a, b Key) bool {
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	return a.BusinessID < b.BusinessID
}
