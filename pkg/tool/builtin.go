package tool

import (
	"fmt"
	"sort"
	"sync"
)

// Constructor builds a built-in tool from its descriptor record.
type Constructor func(record ConfigRecord) (Tool, error)

// BuiltinRegistry maps a descriptor's type tag to a compile-time constructor.
// Tool packages register themselves at init time; there is no dynamic import.
type BuiltinRegistry struct {
	constructors map[string]Constructor
	mu           sync.RWMutex
}

// NewBuiltinRegistry creates an empty builtin constructor registry.
func NewBuiltinRegistry() *BuiltinRegistry {
	return &BuiltinRegistry{
		constructors: make(map[string]Constructor),
	}
}

// RegisterType registers a constructor for a type tag. Registering the same
// tag twice is an error so two packages cannot silently shadow each other.
func (b *BuiltinRegistry) RegisterType(typeTag string, ctor Constructor) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if typeTag == "" {
		return fmt.Errorf("type tag cannot be empty")
	}
	if _, exists := b.constructors[typeTag]; exists {
		return fmt.Errorf("type %s already registered", typeTag)
	}

	b.constructors[typeTag] = ctor
	return nil
}

// Build constructs a tool for a descriptor record with a built-in type tag.
func (b *BuiltinRegistry) Build(record ConfigRecord) (Tool, error) {
	b.mu.RLock()
	ctor, exists := b.constructors[record.Type]
	b.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown built-in tool type: %s", record.Type)
	}

	return ctor(record)
}

// Has reports whether a type tag has a registered constructor.
func (b *BuiltinRegistry) Has(typeTag string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, exists := b.constructors[typeTag]
	return exists
}

// Types returns the registered type tags in sorted order.
func (b *BuiltinRegistry) Types() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	types := make([]string, 0, len(b.constructors))
	for tag := range b.constructors {
		types = append(types, tag)
	}
	sort.Strings(types)
	return types
}
