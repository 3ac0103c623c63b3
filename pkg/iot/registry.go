package iot

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Envelope is the outer shape of every iot control message published
// by the device. Exactly one of Descriptors or States is set.
type Envelope struct {
	SessionID   string           `json:"session_id"`
	Type        string           `json:"type"`
	Update      bool             `json:"update"`
	Descriptors []DescriptorJSON `json:"descriptors,omitempty"`
	States      []StateJSON      `json:"states,omitempty"`
}

// DescriptorJSON is the published schema of one entity.
type DescriptorJSON struct {
	Name        string                  `json:"name"`
	Description string                  `json:"description"`
	Properties  map[string]PropertyJSON `json:"properties"`
	Methods     map[string]MethodJSON   `json:"methods"`
}

// PropertyJSON is one property in a descriptor.
type PropertyJSON struct {
	Description string    `json:"description"`
	Type        ValueType `json:"type"`
}

// MethodJSON is one method in a descriptor.
type MethodJSON struct {
	Description string                   `json:"description"`
	Parameters  map[string]ParameterJSON `json:"parameters"`
}

// ParameterJSON is one method parameter in a descriptor.
type ParameterJSON struct {
	Description string    `json:"description"`
	Type        ValueType `json:"type"`
}

// StateJSON is one entity's published state map.
type StateJSON struct {
	Name  string           `json:"name"`
	State map[string]Value `json:"state"`
}

// Command is one server-issued invocation as it appears on the wire.
type Command struct {
	Name       string           `json:"name"`
	Method     string           `json:"method"`
	Parameters map[string]Value `json:"parameters"`
}

// Registry holds the registered entities and the last-published state
// per entity, from which it computes delta envelopes.
//
// Entities are registered before the engine starts and never
// unregistered.
type Registry struct {
	mu            sync.Mutex
	entities      []*Entity
	lastPublished map[string]map[string]Value
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{lastPublished: make(map[string]map[string]Value)}
}

// Register adds an entity.
func (r *Registry) Register(e *Entity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entities = append(r.entities, e)
}

// Entities returns the registered entities in registration order.
func (r *Registry) Entities() []*Entity {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Entity, len(r.entities))
	copy(out, r.entities)
	return out
}

// Find returns the entity with the given name.
func (r *Registry) Find(name string) (*Entity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entities {
		if e.Name() == name {
			return e, true
		}
	}
	return nil, false
}

// DescriptorsJSON serializes one envelope per registered entity
// carrying the full property and method schema.
func (r *Registry) DescriptorsJSON() ([][]byte, error) {
	r.mu.Lock()
	entities := make([]*Entity, len(r.entities))
	copy(entities, r.entities)
	r.mu.Unlock()

	out := make([][]byte, 0, len(entities))
	for _, e := range entities {
		desc := DescriptorJSON{
			Name:        e.Name(),
			Description: e.Description(),
			Properties:  make(map[string]PropertyJSON, len(e.Properties())),
			Methods:     make(map[string]MethodJSON, len(e.Methods())),
		}
		for name, p := range e.Properties() {
			desc.Properties[name] = PropertyJSON{Description: p.Description, Type: p.Type}
		}
		for name, m := range e.Methods() {
			mj := MethodJSON{
				Description: m.Description,
				Parameters:  make(map[string]ParameterJSON, len(m.Parameters)),
			}
			for _, p := range m.Parameters {
				mj.Parameters[p.Name] = ParameterJSON{Description: p.Description, Type: p.Type}
			}
			desc.Methods[name] = mj
		}

		b, err := json.Marshal(Envelope{
			Type:        "iot",
			Update:      true,
			Descriptors: []DescriptorJSON{desc},
		})
		if err != nil {
			return nil, fmt.Errorf("iot: marshal descriptor for %q: %w", e.Name(), err)
		}
		out = append(out, b)
	}
	return out, nil
}

// UpdatedJSON serializes one envelope per entity whose states changed
// since the previous call. With force set, every entity's full state
// is published. The last-published snapshot is refreshed either way,
// so successive calls without updates return nothing.
func (r *Registry) UpdatedJSON(force bool) ([][]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out [][]byte
	for _, e := range r.entities {
		diff := r.diffStates(e.Name(), e.States(), force)
		if len(diff) == 0 {
			continue
		}

		b, err := json.Marshal(Envelope{
			Type:   "iot",
			Update: true,
			States: []StateJSON{{Name: e.Name(), State: diff}},
		})
		if err != nil {
			return nil, fmt.Errorf("iot: marshal states for %q: %w", e.Name(), err)
		}
		out = append(out, b)
	}
	return out, nil
}

// diffStates computes the changed subset against the last published
// snapshot and refreshes the snapshot. Callers hold r.mu.
func (r *Registry) diffStates(name string, states map[string]Value, force bool) map[string]Value {
	last, seen := r.lastPublished[name]
	r.lastPublished[name] = states

	if force || !seen {
		return states
	}

	diff := make(map[string]Value)
	for key, value := range states {
		prev, ok := last[key]
		if !ok || !prev.Equal(value) {
			diff[key] = value
		}
	}
	return diff
}

// DecodeCommands parses the commands array of a server iot message.
// Malformed entries are skipped rather than failing the batch,
// matching the tolerant behavior expected of device-side parsers.
func DecodeCommands(raw json.RawMessage) []Command {
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil
	}
	out := make([]Command, 0, len(entries))
	for _, entry := range entries {
		var c Command
		if err := json.Unmarshal(entry, &c); err != nil {
			continue
		}
		if c.Name == "" || c.Method == "" {
			continue
		}
		if c.Parameters == nil {
			c.Parameters = make(map[string]Value)
		}
		out = append(out, c)
	}
	return out
}
