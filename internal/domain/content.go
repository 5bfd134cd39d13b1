package domain

import (
	"slices"
	"strings"
)

// Content is the semantic field set of a content entity.
type Content struct {
	Type               string   `json:"type"`
	Label              string   `json:"label"`
	Name               string   `json:"name"`
	Vendor             string   `json:"vendor"`
	ContentURL         string   `json:"content_url,omitempty"`
	RequiredTags       []string `json:"required_tags,omitempty"`
	ReleaseVersion     string   `json:"release_version,omitempty"`
	GPGURL             string   `json:"gpg_url,omitempty"`
	MetadataExpire     *int64   `json:"metadata_expire,omitempty"`
	ModifiedProductIDs []string `json:"modified_product_ids,omitempty"`
	Arches             []string `json:"arches,omitempty"`
	Locked             bool     `json:"locked,omitempty"`
}

func (c Content) Kind() Kind { return KindContent }

func (c Content) Normalize() Fields {
	out := c
	out.RequiredTags = normalizeSet(c.RequiredTags)
	out.ModifiedProductIDs = normalizeSet(c.ModifiedProductIDs)
	out.Arches = normalizeSet(c.Arches)
	if c.MetadataExpire != nil {
		expire := *c.MetadataExpire
		out.MetadataExpire = &expire
	}
	return out
}

func (c Content) Equal(other Fields) bool {
	o, ok := other.(Content)
	if !ok {
		return false
	}
	a := c.Normalize().(Content)
	b := o.Normalize().(Content)
	return a.Type == b.Type &&
		a.Label == b.Label &&
		a.Name == b.Name &&
		a.Vendor == b.Vendor &&
		a.ContentURL == b.ContentURL &&
		a.ReleaseVersion == b.ReleaseVersion &&
		a.GPGURL == b.GPGURL &&
		equalInt64Ptr(a.MetadataExpire, b.MetadataExpire) &&
		slices.Equal(a.RequiredTags, b.RequiredTags) &&
		slices.Equal(a.ModifiedProductIDs, b.ModifiedProductIDs) &&
		slices.Equal(a.Arches, b.Arches) &&
		a.Locked == b.Locked
}

// ContentDefinition is an incoming content definition. Nil fields are absent.
type ContentDefinition struct {
	BusinessID         string
	Type               *string
	Label              *string
	Name               *string
	Vendor             *string
	ContentURL         *string
	RequiredTags       []string
	ReleaseVersion     *string
	GPGURL             *string
	MetadataExpire     *int64
	ModifiedProductIDs []string
	Arches             []string
	Lock               *bool
}

func (d ContentDefinition) Kind() Kind    { return KindContent }
func (d ContentDefinition) ID() string    { return strings.TrimSpace(d.BusinessID) }
func (d ContentDefinition) Locked() *bool { return d.Lock }

func (d ContentDefinition) Validate() error {
	id := d.ID()
	if id == "" {
		return missingField(KindContent, d.BusinessID, "business id")
	}
	required := []struct {
		name  string
		value *string
	}{
		{"type", d.Type},
		{"label", d.Label},
		{"name", d.Name},
		{"vendor", d.Vendor},
	}
	for _, field := range required {
		if field.value == nil {
			return missingField(KindContent, id, field.name)
		}
	}
	return nil
}

func (d ContentDefinition) Apply(base Fields) (Fields, error) {
	var out Content
	if base != nil {
		current, ok := base.(Content)
		if !ok {
			return nil, &ValidationError{Kind: KindContent, BusinessID: d.ID(), Reason: "cannot update a " + string(base.Kind())}
		}
		out = current.Normalize().(Content)
	}
	setString(&out.Type, d.Type)
	setString(&out.Label, d.Label)
	setString(&out.Name, d.Name)
	setString(&out.Vendor, d.Vendor)
	setString(&out.ContentURL, d.ContentURL)
	setString(&out.ReleaseVersion, d.ReleaseVersion)
	setString(&out.GPGURL, d.GPGURL)
	if d.MetadataExpire != nil {
		expire := *d.MetadataExpire
		out.MetadataExpire = &expire
	}
	if d.RequiredTags != nil {
		out.RequiredTags = slices.Clone(d.RequiredTags)
	}
	if d.ModifiedProductIDs != nil {
		out.ModifiedProductIDs = slices.Clone(d.ModifiedProductIDs)
	}
	if d.Arches != nil {
		out.Arches = slices.Clone(d.Arches)
	}
	setBool(&out.Locked, d.Lock)
	return out.Normalize(), nil
}

func setString(dst *string, value *string) {
	if value != nil {
		*dst = *value
	}
}

func setBool(dst *bool, value *bool) {
	if value != nil {
		*dst = *value
	}
}

func equalInt64Ptr(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func normalizeSet(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	slices.Sort(out)
	out = slices.Compact(out)
	if len(out) == 0 {
		return nil
	}
	return out
}
