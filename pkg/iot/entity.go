package iot

import (
	"fmt"
	"maps"
	"sync"
)

// Property describes one observable state key of an entity.
type Property struct {
	Name        string
	Description string
	Type        ValueType
}

// Parameter describes one argument of a method.
type Parameter struct {
	Name        string
	Description string
	Type        ValueType
	Required    bool
}

// Method describes one server-invocable operation of an entity.
type Method struct {
	Name        string
	Description string
	Parameters  []Parameter
}

// Entity is a locally-controlled device exposed to the backend. The
// descriptor (name, description, properties, methods) is immutable
// after construction; property state is mutated through Update and
// read by the registry when publishing.
//
// Entities are shared between the host application and the registry;
// the states map is guarded by a leaf lock held only for the duration
// of a single map operation.
type Entity struct {
	name        string
	description string
	properties  map[string]Property
	methods     map[string]Method

	mu     sync.Mutex
	states map[string]Value
}

// NewEntity builds an entity from its descriptor parts.
func NewEntity(name, description string, properties []Property, methods []Method) *Entity {
	e := &Entity{
		name:        name,
		description: description,
		properties:  make(map[string]Property, len(properties)),
		methods:     make(map[string]Method, len(methods)),
		states:      make(map[string]Value),
	}
	for _, p := range properties {
		e.properties[p.Name] = p
	}
	for _, m := range methods {
		e.methods[m.Name] = m
	}
	return e
}

// Name returns the entity name.
func (e *Entity) Name() string { return e.name }

// Description returns the entity description.
func (e *Entity) Description() string { return e.description }

// Properties returns the declared properties keyed by name.
func (e *Entity) Properties() map[string]Property { return e.properties }

// Methods returns the declared methods keyed by name.
func (e *Entity) Methods() map[string]Method { return e.methods }

// Update assigns a property value. Assigning to an undeclared
// property, or with a value whose type does not match the declaration,
// is a programming error and panics.
func (e *Entity) Update(name string, v Value) {
	p, ok := e.properties[name]
	if !ok {
		panic(fmt.Sprintf("iot: entity %q has no property %q", e.name, name))
	}
	if p.Type != v.Type() {
		panic(fmt.Sprintf("iot: entity %q property %q is %s, got %s", e.name, name, p.Type, v.Type()))
	}
	e.mu.Lock()
	e.states[name] = v
	e.mu.Unlock()
}

// States returns a copy of the current property values.
func (e *Entity) States() map[string]Value {
	e.mu.Lock()
	defer e.mu.Unlock()
	return maps.Clone(e.states)
}
