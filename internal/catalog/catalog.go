// Package catalog keeps the per-session snapshot of tools the host offers.
package catalog

import (
	"context"
	"sync"

	tbErrors "github.com/harunnryd/toolbridge/internal/errors"
	"github.com/harunnryd/toolbridge/internal/model/contract"
	"github.com/harunnryd/toolbridge/internal/session"
)

// Lister is the session operation the catalog is filled from.
type Lister interface {
	ListTools(ctx context.Context) ([]session.ToolDescriptor, error)
}

// Catalog is fetched once; afterwards every call returns the same snapshot.
type Catalog struct {
	mu     sync.Mutex
	loaded bool
	tools  []session.ToolDescriptor
	byName map[string]session.ToolDescriptor
}

func New() *Catalog {
	return &Catalog{}
}

// Fetch lists the tools on first use and caches them. A failed fetch is not
// cached.
func (c *Catalog) Fetch(ctx context.Context, src Lister) ([]session.ToolDescriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.loaded {
		return c.snapshot(), nil
	}

	tools, err := src.ListTools(ctx)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]session.ToolDescriptor, len(tools))
	for _, t := range tools {
		byName[t.Name] = t
	}

	c.tools = tools
	c.byName = byName
	c.loaded = true
	return c.snapshot(), nil
}

// Tools returns the snapshot in the order the host listed it.
func (c *Catalog) Tools() []session.ToolDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot()
}

func (c *Catalog) Lookup(name string) (session.ToolDescriptor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.byName[name]
	return t, ok
}

// Require is Lookup that reports an absent tool as ErrUnknownTool.
func (c *Catalog) Require(name string) (session.ToolDescriptor, error) {
	t, ok := c.Lookup(name)
	if !ok {
		return session.ToolDescriptor{}, tbErrors.UnknownTool(name)
	}
	return t, nil
}

// Declarations is the catalog as the model's action space.
func (c *Catalog) Declarations() []contract.ToolDef {
	c.mu.Lock()
	defer c.mu.Unlock()

	defs := make([]contract.ToolDef, 0, len(c.tools))
	for _, t := range c.tools {
		defs = append(defs, contract.ToolDef{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.ArgumentSchema,
		})
	}
	return defs
}

func (c *Catalog) snapshot() []session.ToolDescriptor {
	return append([]session.ToolDescriptor(nil), c.tools...)
}
