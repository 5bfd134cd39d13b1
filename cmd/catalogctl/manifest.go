package main

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/animus-labs/catalog-go/internal/domain"
)

// manifest is the YAML document accepted by `catalogctl import`. Omitted
// fields leave the stored value untouched; an explicit empty list clears it.
type manifest struct {
	Contents []contentManifest `yaml:"contents"`
	Products []productManifest `yaml:"products"`
}

type contentManifest struct {
	ID                 string   `yaml:"id"`
	Type               *string  `yaml:"type"`
	Label              *string  `yaml:"label"`
	Name               *string  `yaml:"name"`
	Vendor             *string  `yaml:"vendor"`
	URL                *string  `yaml:"url"`
	RequiredTags       []string `yaml:"required_tags"`
	ReleaseVersion     *string  `yaml:"release_version"`
	GPGURL             *string  `yaml:"gpg_url"`
	MetadataExpire     *int64   `yaml:"metadata_expire"`
	ModifiedProductIDs []string `yaml:"modified_product_ids"`
	Arches             []string `yaml:"arches"`
	Locked             *bool    `yaml:"locked"`
}

type productManifest struct {
	ID               string            `yaml:"id"`
	Name             *string           `yaml:"name"`
	Multiplier       *int64            `yaml:"multiplier"`
	Attributes       map[string]string `yaml:"attributes"`
	Content          []productContent  `yaml:"content"`
	ProvidedProducts []string          `yaml:"provided_products"`
	Locked           *bool             `yaml:"locked"`
}

type productContent struct {
	ID      string `yaml:"id"`
	Enabled *bool  `yaml:"enabled"`
}

func loadManifest(path string) (manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	return parseManifest(data)
}

func parseManifest(data []byte) (manifest, error) {
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	return m, nil
}

func (m manifest) contentDefinitions() (map[string]domain.Definition, error) {
	out := make(map[string]domain.Definition, len(m.Contents))
	for i, c := range m.Contents {
		id := strings.TrimSpace(c.ID)
		if id == "" {
			return nil, fmt.Errorf("contents[%d]: id is required", i)
		}
		if _, dup := out[id]; dup {
			return nil, fmt.Errorf("contents[%d]: duplicate id %q", i, id)
		}
		out[id] = domain.ContentDefinition{
			BusinessID:         id,
			Type:               c.Type,
			Label:              c.Label,
			Name:               c.Name,
			Vendor:             c.Vendor,
			ContentURL:         c.URL,
			RequiredTags:       c.RequiredTags,
			ReleaseVersion:     c.ReleaseVersion,
			GPGURL:             c.GPGURL,
			MetadataExpire:     c.MetadataExpire,
			ModifiedProductIDs: c.ModifiedProductIDs,
			Arches:             c.Arches,
			Lock:               c.Locked,
		}
	}
	return out, nil
}

func (m manifest) productDefinitions() (map[string]domain.Definition, error) {
	out := make(map[string]domain.Definition, len(m.Products))
	for i, p := range m.Products {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return nil, fmt.Errorf("products[%d]: id is required", i)
		}
		if _, dup := out[id]; dup {
			return nil, fmt.Errorf("products[%d]: duplicate id %q", i, id)
		}
		var content []domain.ProductContent
		if p.Content != nil {
			content = make([]domain.ProductContent, 0, len(p.Content))
			for _, pc := range p.Content {
				enabled := true
				if pc.Enabled != nil {
					enabled = *pc.Enabled
				}
				content = append(content, domain.ProductContent{ContentID: pc.ID, Enabled: enabled})
			}
		}
		out[id] = domain.ProductDefinition{
			BusinessID:       id,
			Name:             p.Name,
			Multiplier:       p.Multiplier,
			Attributes:       p.Attributes,
			Content:          content,
			ProvidedProducts: p.ProvidedProducts,
			Lock:             p.Locked,
		}
	}
	return out, nil
}
