package main

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/animus-labs/catalog-go/internal/domain"
)

const sampleManifest = `
contents:
  - id: c1
    type: yum
    label: base
    name: Base
    vendor: acme
    arches: []
  - id: c2
    type: yum
    label: extras
    name: Extras
    vendor: acme
    locked: false
products:
  - id: p1
    name: Server
    content:
      - id: c1
      - id: c2
        enabled: false
    provided_products: [p2]
  - id: p2
    name: Addon
`

func TestManifestDefinitions(t *testing.T) {
	m, err := parseManifest([]byte(sampleManifest))
	if err != nil {
		t.Fatalf("parseManifest() err=%v", err)
	}

	contents, err := m.contentDefinitions()
	if err != nil {
		t.Fatalf("contentDefinitions() err=%v", err)
	}
	c1 := contents["c1"].(domain.ContentDefinition)
	if *c1.Vendor != "acme" || c1.Arches == nil || len(c1.Arches) != 0 {
		t.Fatalf("unexpected c1 %+v", c1)
	}
	if c1.RequiredTags != nil || c1.Lock != nil {
		t.Fatalf("absent fields must stay nil: %+v", c1)
	}
	if c2 := contents["c2"].(domain.ContentDefinition); c2.Lock == nil || *c2.Lock {
		t.Fatalf("expected c2 to opt out of the lock")
	}

	products, err := m.productDefinitions()
	if err != nil {
		t.Fatalf("productDefinitions() err=%v", err)
	}
	p1 := products["p1"].(domain.ProductDefinition)
	want := []domain.ProductContent{{ContentID: "c1", Enabled: true}, {ContentID: "c2", Enabled: false}}
	if len(p1.Content) != 2 || p1.Content[0] != want[0] || p1.Content[1] != want[1] {
		t.Fatalf("unexpected p1 content %+v", p1.Content)
	}
	if p2 := products["p2"].(domain.ProductDefinition); p2.Content != nil {
		t.Fatalf("absent content must stay nil")
	}
	for _, def := range products {
		if err := def.Validate(); err != nil {
			t.Fatalf("Validate() err=%v", err)
		}
	}
}

func TestManifestRejectsDuplicatesAndMissingIDs(t *testing.T) {
	m, err := parseManifest([]byte("contents:\n  - id: c1\n  - id: c1\n"))
	if err != nil {
		t.Fatalf("parseManifest() err=%v", err)
	}
	if _, err := m.contentDefinitions(); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate id error, got %v", err)
	}

	m, err = parseManifest([]byte("products:\n  - name: nameless\n"))
	if err != nil {
		t.Fatalf("parseManifest() err=%v", err)
	}
	if _, err := m.productDefinitions(); err == nil {
		t.Fatalf("expected missing id error")
	}

	if _, err := parseManifest([]byte("contents: {")); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestMissingVendorSurfacesAsValidationError(t *testing.T) {
	m, err := parseManifest([]byte("contents:\n  - id: c1\n    type: yum\n    label: l\n    name: n\n"))
	if err != nil {
		t.Fatalf("parseManifest() err=%v", err)
	}
	contents, err := m.contentDefinitions()
	if err != nil {
		t.Fatalf("contentDefinitions() err=%v", err)
	}
	if err := contents["c1"].Validate(); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd(discardLogger())
	for _, name := range []string{"migrate", "import", "get", "list", "remove", "remove-all"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Fatalf("subcommand %q missing: %v", name, err)
		}
	}

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"import"})
	if err := root.Execute(); err == nil {
		t.Fatalf("import without a manifest must fail")
	}
}

func TestParseKind(t *testing.T) {
	if kind, err := parseKind(" product "); err != nil || kind != domain.KindProduct {
		t.Fatalf("parseKind() = %q, %v", kind, err)
	}
	if _, err := parseKind("pool"); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
