package definition

import (
	"ciengine/internal/apperrors"
	"fmt"
	"sort"
)

// Catalog is an immutable set of definitions keyed by id.
type Catalog struct {
	byID map[string]*BuildDefinition
	ids  []string
}

// NewCatalog indexes defs, rejecting duplicate ids and dependencies on
// unknown definitions. Cycle detection is left to the resolver.
func NewCatalog(defs []*BuildDefinition) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]*BuildDefinition, len(defs))}
	for _, d := range defs {
		if prev, dup := c.byID[d.ID]; dup {
			return nil, apperrors.Validation("id", fmt.Sprintf("definition %s defined twice (%s and %s)", d.ID, prev.Source, d.Source))
		}
		c.byID[d.ID] = d
		c.ids = append(c.ids, d.ID)
	}
	sort.Strings(c.ids)

	for _, id := range c.ids {
		for i, dep := range c.byID[id].Dependencies {
			if _, ok := c.byID[dep.On]; !ok {
				return nil, apperrors.Validation(fmt.Sprintf("%s.dependencies[%d].on", id, i), fmt.Sprintf("definition %s depends on unknown definition %s", id, dep.On))
			}
		}
	}
	return c, nil
}

// Get returns the definition with id.
func (c *Catalog) Get(id string) (*BuildDefinition, bool) {
	d, ok := c.byID[id]
	return d, ok
}

// All returns every definition ordered by id.
func (c *Catalog) All() []*BuildDefinition {
	out := make([]*BuildDefinition, 0, len(c.ids))
	for _, id := range c.ids {
		out = append(out, c.byID[id])
	}
	return out
}

// Len returns the number of definitions.
func (c *Catalog) Len() int { return len(c.ids) }
