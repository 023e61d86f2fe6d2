package condition

import (
	"fmt"
	"sort"
	"time"
)

// Accessor extracts a variable value from an entity.
type Accessor[T any] func(T) Value

// Variable is a named, typed accessor.
type Variable[T any] struct {
	Name string
	Kind Kind
	Get  Accessor[T]
}

// Registry is the set of variables conditions over T may reference.
type Registry[T any] struct {
	entity string
	vars   map[string]Variable[T]

	// Now anchors relative time literals ("3 days ago") at compile time.
	Now func() time.Time
}

// NewRegistry returns an empty registry for entity kind name.
func NewRegistry[T any](entity string) *Registry[T] {
	return &Registry[T]{
		entity: entity,
		vars:   make(map[string]Variable[T]),
		Now:    time.Now,
	}
}

// Entity names the entity kind, e.g. "replica".
func (r *Registry[T]) Entity() string { return r.entity }

// Register adds a variable. It panics on duplicates since registries are
// assembled at init time.
func (r *Registry[T]) Register(name string, kind Kind, get Accessor[T]) *Registry[T] {
	if _, ok := r.vars[name]; ok {
		panic(fmt.Sprintf("condition: variable %q registered twice for %s", name, r.entity))
	}
	r.vars[name] = Variable[T]{Name: name, Kind: kind, Get: get}
	return r
}

// Lookup returns the variable called name.
func (r *Registry[T]) Lookup(name string) (Variable[T], bool) {
	v, ok := r.vars[name]
	return v, ok
}

// Names lists the registered variable names, sorted.
func (r *Registry[T]) Names() []string {
	names := make([]string, 0, len(r.vars))
	for n := range r.vars {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// WithNow returns a shallow copy of r whose relative time literals are
// anchored at t.
func (r *Registry[T]) WithNow(t time.Time) *Registry[T] {
	c := *r
	c.Now = func() time.Time { return t }
	return &c
}
