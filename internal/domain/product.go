package domain

import (
	"maps"
	"slices"
	"sort"
	"strings"
)

// ProductContent embeds one content entity into a product.
type ProductContent struct {
	ContentID string `json:"content_id"`
	Enabled   bool   `json:"enabled"`
}

// Product is the semantic field set of a product entity. Its embedded
// content and provided products are references to other canonical entities.
type Product struct {
	Name             string            `json:"name"`
	Multiplier       *int64            `json:"multiplier,omitempty"`
	Attributes       map[string]string `json:"attributes,omitempty"`
	Content          []ProductContent  `json:"content,omitempty"`
	ProvidedProducts []string          `json:"provided_products,omitempty"`
	Locked           bool              `json:"locked,omitempty"`
}

func (p Product) Kind() Kind { return KindProduct }

func (p Product) Normalize() Fields {
	out := p
	if p.Multiplier != nil {
		multiplier := *p.Multiplier
		out.Multiplier = &multiplier
	}
	if len(p.Attributes) == 0 {
		out.Attributes = nil
	} else {
		out.Attributes = maps.Clone(p.Attributes)
	}
	out.Content = normalizeProductContent(p.Content)
	out.ProvidedProducts = normalizeSet(p.ProvidedProducts)
	return out
}

func (p Product) Equal(other Fields) bool {
	o, ok := other.(Product)
	if !ok {
		return false
	}
	a := p.Normalize().(Product)
	b := o.Normalize().(Product)
	return a.Name == b.Name &&
		equalInt64Ptr(a.Multiplier, b.Multiplier) &&
		maps.Equal(a.Attributes, b.Attributes) &&
		slices.Equal(a.Content, b.Content) &&
		slices.Equal(a.ProvidedProducts, b.ProvidedProducts) &&
		a.Locked == b.Locked
}

func (p Product) ReferenceKeys() []Key {
	n := p.Normalize().(Product)
	keys := make([]Key, 0, len(n.Content)+len(n.ProvidedProducts))
	for _, pc := range n.Content {
		keys = append(keys, Key{Kind: KindContent, BusinessID: pc.ContentID})
	}
	for _, id := range n.ProvidedProducts {
		keys = append(keys, Key{Kind: KindProduct, BusinessID: id})
	}
	sort.Slice(keys, func(i, j int) bool { return lessKey(keys[i], keys[j]) })
	return keys
}

func (p Product) DropReferences(keys map[Key]struct{}) Fields {
	out := p.Normalize().(Product)
	out.Content = slices.DeleteFunc(out.Content, func(pc ProductContent) bool {
		_, drop := keys[Key{Kind: KindContent, BusinessID: pc.ContentID}]
		return drop
	})
	out.ProvidedProducts = slices.DeleteFunc(out.ProvidedProducts, func(id string) bool {
		_, drop := keys[Key{Kind: KindProduct, BusinessID: id}]
		return drop
	})
	return out.Normalize()
}

// ProductDefinition is an incoming product definition. Nil fields are absent.
type ProductDefinition struct {
	BusinessID       string
	Name             *string
	Multiplier       *int64
	Attributes       map[string]string
	Content          []ProductContent
	ProvidedProducts []string
	Lock             *bool
}

func (d ProductDefinition) Kind() Kind    { return KindProduct }
func (d ProductDefinition) ID() string    { return strings.TrimSpace(d.BusinessID) }
func (d ProductDefinition) Locked() *bool { return d.Lock }

func (d ProductDefinition) Validate() error {
	id := d.ID()
	if id == "" {
		return missingField(KindProduct, d.BusinessID, "business id")
	}
	if d.Name == nil {
		return missingField(KindProduct, id, "name")
	}
	return d.validateReferences(id)
}

func (d ProductDefinition) validateReferences(id string) error {
	for _, pc := range d.Content {
		if strings.TrimSpace(pc.ContentID) == "" {
			return missingField(KindProduct, id, "content id")
		}
	}
	for _, provided := range d.ProvidedProducts {
		if strings.TrimSpace(provided) == id {
			return &ValidationError{Kind: KindProduct, BusinessID: id, Field: "provided products", Reason: "must not include the product itself"}
		}
	}
	return nil
}

func (d ProductDefinition) Apply(base Fields) (Fields, error) {
	var out Product
	if base != nil {
		current, ok := base.(Product)
		if !ok {
			return nil, &ValidationError{Kind: KindProduct, BusinessID: d.ID(), Reason: "cannot update a " + string(base.Kind())}
		}
		out = current.Normalize().(Product)
	}
	if err := d.validateReferences(d.ID()); err != nil {
		return nil, err
	}
	setString(&out.Name, d.Name)
	if d.Multiplier != nil {
		multiplier := *d.Multiplier
		out.Multiplier = &multiplier
	}
	if d.Attributes != nil {
		out.Attributes = maps.Clone(d.Attributes)
	}
	if d.Content != nil {
		out.Content = slices.Clone(d.Content)
	}
	if d.ProvidedProducts != nil {
		out.ProvidedProducts = slices.Clone(d.ProvidedProducts)
	}
	setBool(&out.Locked, d.Lock)
	return out.Normalize(), nil
}

// normalizeProductContent sorts by content id; a repeated id keeps its last entry.
func normalizeProductContent(in []ProductContent) []ProductContent {
	if len(in) == 0 {
		return nil
	}
	byID := make(map[string]ProductContent, len(in))
	for _, pc := range in {
		pc.ContentID = strings.TrimSpace(pc.ContentID)
		if pc.ContentID == "" {
			continue
		}
		byID[pc.ContentID] = pc
	}
	if len(byID) == 0 {
		return nil
	}
	out := make([]ProductContent, 0, len(byID))
	for _, id := range slices.Sorted(maps.Keys(byID)) {
		out = append(out, byID[id])
	}
	return out
}
