package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ComputeVersion derives the content address of an entity version. Only
// semantic values participate, including the locked flag: surrogate ids,
// timestamps and upstream provenance do not, and embedded references contribute their version rather than their
// surrogate id.
func ComputeVersion(kind Kind, businessID string, fields Fields, refs []Reference) (string, error) {
	type versionRef struct {
		Kind       Kind   `json:"kind"`
		BusinessID string `json:"business_id"`
		Version    string `json:"version"`
	}
	type versionInput struct {
		Kind       Kind         `json:"kind"`
		BusinessID string       `json:"business_id"`
		Fields     Fields       `json:"fields"`
		References []versionRef `json:"references,omitempty"`
	}
	if fields == nil {
		return "", fmt.Errorf("version %s %q: fields are required", kind, businessID)
	}
	in := versionInput{
		Kind:       kind,
		BusinessID: businessID,
		Fields:     fields.Normalize(),
	}
	for _, ref := range sortReferences(refs) {
		in.References = append(in.References, versionRef{Kind: ref.Kind, BusinessID: ref.BusinessID, Version: ref.Version})
	}
	blob, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("marshal version input: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

// EncodeFields serializes a field set for storage.
func EncodeFields(fields Fields) ([]byte, error) {
	if fields == nil {
		return nil, fmt.Errorf("fields are required")
	}
	return json.Marshal(fields.Normalize())
}

// DecodeFields restores a stored field set of the given kind.
func DecodeFields(kind Kind, raw []byte) (Fields, error) {
	switch kind {
	case KindContent:
		var c Content
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decode content fields: %w", err)
		}
		return c.Normalize(), nil
	case KindProduct:
		var p Product
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode product fields: %w", err)
		}
		return p.Normalize(), nil
	default:
		return nil, fmt.Errorf("unknown entity kind %q", kind)
	}
}
