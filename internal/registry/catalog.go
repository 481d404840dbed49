package registry

import (
	"sort"
	"strings"
	"sync"

	"github.com/loomctl/loom/pkg/schema"
)

// catalog is a thread-safe name-to-component map. The kind label shows up
// in error messages so a failed lookup names which catalog was consulted.
type catalog[T any] struct {
	mu    sync.RWMutex
	kind  string
	items map[string]T
}

func newCatalog[T any](kind string) *catalog[T] {
	return &catalog[T]{kind: kind, items: make(map[string]T)}
}

// register adds a component. With override false a duplicate name is a
// conflict; with override true the last registration wins, which lets
// project-level components shadow built-ins.
func (c *catalog[T]) register(name string, item T, override bool) error {
	if name == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s name is empty", c.kind)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[name]; exists && !override {
		return schema.NewErrorf(schema.ErrCodeConflict, "%s %q already registered", c.kind, name)
	}
	c.items[name] = item
	return nil
}

// get retrieves a component by name. A miss lists the registered names so
// typos are easy to spot.
func (c *catalog[T]) get(name string) (T, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, ok := c.items[name]
	if !ok {
		var zero T
		available := c.namesLocked()
		msg := "none registered"
		if len(available) > 0 {
			msg = strings.Join(available, ", ")
		}
		return zero, schema.NewErrorf(schema.ErrCodeNotFound,
			"%s %q not registered; available: %s", c.kind, name, msg).
			WithDetails(map[string]any{"catalog": c.kind, "available": available})
	}
	return item, nil
}

func (c *catalog[T]) has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.items[name]
	return ok
}

func (c *catalog[T]) names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.namesLocked()
}

func (c *catalog[T]) namesLocked() []string {
	names := make([]string, 0, len(c.items))
	for name := range c.items {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
