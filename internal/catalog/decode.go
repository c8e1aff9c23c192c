package catalog

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schema.json
var schemaJSON string

var (
	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	})
	return schema, schemaErr
}

// Wire form of the catalog document.
type document struct {
	Catalog struct {
		Metadata struct {
			Version string `json:"version"`
		} `json:"metadata"`
		Groups []docGroup `json:"groups"`
	} `json:"catalog"`
}

type docGroup struct {
	ID       string       `json:"id"`
	Title    string       `json:"title"`
	Controls []docControl `json:"controls"`
}

type docControl struct {
	ID       string       `json:"id"`
	Title    string       `json:"title"`
	Parts    []docPart    `json:"parts"`
	Controls []docControl `json:"controls"`
}

type docPart struct {
	Name  string    `json:"name"`
	Prose string    `json:"prose"`
	Parts []docPart `json:"parts"`
}

// Validate checks data against the catalog schema. Failures wrap
// ErrDataIntegrity.
func Validate(data []byte) error {
	s, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compiling catalog schema: %w", err)
	}
	result, err := s.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDataIntegrity, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s", ErrDataIntegrity, strings.Join(msgs, "; "))
	}
	return nil
}

// Decode validates and converts a catalog document.
func Decode(data []byte, origin Origin) (*Catalog, error) {
	if err := Validate(data); err != nil {
		return nil, err
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataIntegrity, err)
	}

	groups := make([]Group, 0, len(doc.Catalog.Groups))
	for _, g := range doc.Catalog.Groups {
		family := NormalizeID(g.ID)
		group := Group{ID: family, Title: g.Title, Controls: make([]Control, 0, len(g.Controls))}
		for _, dc := range g.Controls {
			group.Controls = append(group.Controls, convertControl(dc, family))
		}
		groups = append(groups, group)
	}

	version := doc.Catalog.Metadata.Version
	if version == "" {
		version = "unknown"
	}
	return New(version, origin, groups), nil
}

func convertControl(dc docControl, family string) Control {
	ctl := Control{
		ID:     NormalizeID(dc.ID),
		Title:  dc.Title,
		Family: family,
	}
	for _, p := range dc.Parts {
		switch p.Name {
		case "statement":
			ctl.Statement = joinProse(ctl.Statement, flattenProse(p))
		case "guidance":
			ctl.Guidance = joinProse(ctl.Guidance, flattenProse(p))
		}
	}
	for _, child := range dc.Controls {
		ctl.Enhancements = append(ctl.Enhancements, convertControl(child, family))
	}
	return ctl
}

// flattenProse concatenates the prose of a part and its sub-parts, depth first.
func flattenProse(p docPart) string {
	text := strings.TrimSpace(p.Prose)
	for _, sub := range p.Parts {
		text = joinProse(text, flattenProse(sub))
	}
	return text
}

func joinProse(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "\n" + b
	}
}
