// Package catalog retrieves, validates and caches the versioned control catalog
// that assessments are evaluated against.
package catalog

import (
	"sort"
	"strings"
)

// Origin records where a catalog was loaded from.
type Origin string

const (
	OriginRemote   Origin = "remote"
	OriginFallback Origin = "fallback"
)

// Control is a single requirement of the catalog (e.g. "AC-3").
type Control struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Family       string    `json:"family"`
	Statement    string    `json:"statement,omitempty"`
	Guidance     string    `json:"guidance,omitempty"`
	Enhancements []Control `json:"enhancements,omitempty"`
}

// Group is a control family as published in the catalog.
type Group struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Controls []Control `json:"controls"`
}

// Catalog is an immutable, versioned set of control groups. It is replaced
// wholesale on refresh and never patched.
type Catalog struct {
	Version string  `json:"version"`
	Groups  []Group `json:"groups"`
	Origin  Origin  `json:"origin"`

	index map[string]Control
}

// NormalizeID upper-cases and trims a control id or family prefix.
func NormalizeID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// Family returns the family prefix of a control id ("ac-2(1)" -> "AC").
func Family(id string) string {
	id = NormalizeID(id)
	if i := strings.IndexAny(id, "-."); i > 0 {
		return id[:i]
	}
	return id
}

// New builds a catalog and its case-insensitive index. Enhancements are
// indexed alongside their parent controls.
func New(version string, origin Origin, groups []Group) *Catalog {
	c := &Catalog{
		Version: version,
		Groups:  groups,
		Origin:  origin,
		index:   make(map[string]Control),
	}
	for _, g := range groups {
		for _, ctl := range g.Controls {
			c.add(ctl)
		}
	}
	return c
}

func (c *Catalog) add(ctl Control) {
	c.index[NormalizeID(ctl.ID)] = ctl
	for _, e := range ctl.Enhancements {
		c.add(e)
	}
}

// WithOrigin returns a shallow copy of c tagged with origin.
func (c *Catalog) WithOrigin(origin Origin) *Catalog {
	cp := *c
	cp.Origin = origin
	return &cp
}

// Len returns the number of indexed controls, enhancements included.
func (c *Catalog) Len() int {
	return len(c.index)
}

// Control looks up a control by id, ignoring case.
func (c *Catalog) Control(id string) (Control, bool) {
	ctl, ok := c.index[NormalizeID(id)]
	return ctl, ok
}

// ByFamily returns the controls whose id starts with the family prefix
// (e.g. "ac" or "AC-"), sorted by id.
func (c *Catalog) ByFamily(prefix string) []Control {
	family := strings.TrimRight(NormalizeID(prefix), "-")
	if family == "" {
		return nil
	}
	var out []Control
	for id, ctl := range c.index {
		if Family(id) == family {
			out = append(out, ctl)
		}
	}
	sortControls(out)
	return out
}

// Search returns controls whose id, title or statement contains term,
// ignoring case, sorted by id.
func (c *Catalog) Search(term string) []Control {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return nil
	}
	var out []Control
	for _, ctl := range c.index {
		if strings.Contains(strings.ToLower(ctl.ID), term) ||
			strings.Contains(strings.ToLower(ctl.Title), term) ||
			strings.Contains(strings.ToLower(ctl.Statement), term) {
			out = append(out, ctl)
		}
	}
	sortControls(out)
	return out
}

// Families returns the distinct family prefixes present in the catalog.
func (c *Catalog) Families() []string {
	seen := make(map[string]struct{})
	for id := range c.index {
		seen[Family(id)] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func sortControls(ctls []Control) {
	sort.Slice(ctls, func(i, j int) bool {
		return NormalizeID(ctls[i].ID) < NormalizeID(ctls[j].ID)
	})
}
