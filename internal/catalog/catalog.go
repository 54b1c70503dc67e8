// Package catalog lists the model identifiers the gateway answers to.
package catalog

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"llama-gateway/internal/models"
)

// ErrDuplicateModel indicates an alias that collides with another name.
var ErrDuplicateModel = errors.New("model already registered")

const ownedBy = "llama-gateway"

// Catalog maps the served model and its aliases. Every name resolves to the
// single loaded model.
type Catalog struct {
	primary models.Model
	order   []string
	known   map[string]struct{}
}

// New registers name as the served model and aliases as extra identifiers.
func New(name string, aliases []string) (*Catalog, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("model name must not be empty")
	}

	c := &Catalog{
		primary: models.Model{ID: name, OwnedBy: ownedBy, Created: time.Now().Unix()},
		order:   []string{name},
		known:   map[string]struct{}{name: {}},
	}
	for _, alias := range aliases {
		alias = strings.TrimSpace(alias)
		if alias == "" {
			return nil, errors.New("alias must not be empty")
		}
		if _, exists := c.known[alias]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateModel, alias)
		}
		c.known[alias] = struct{}{}
		c.order = append(c.order, alias)
	}
	return c, nil
}

// Primary returns the served model.
func (c *Catalog) Primary() models.Model {
	return c.primary
}

// Known reports whether id is the model name or one of its aliases.
func (c *Catalog) Known(id string) bool {
	_, ok := c.known[id]
	return ok
}

// List returns the model followed by its aliases, in configuration order.
func (c *Catalog) List() []models.Model {
	out := make([]models.Model, 0, len(c.order))
	for _, id := range c.order {
		m := c.primary
		m.ID = id
		out = append(out, m)
	}
	return out
}
