// ABOUTME: Registry maps Go row types to their storage models
// ABOUTME: Models declare identity, secondary keys, defaults and temporal retention

package database

import (
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// DataIdentifier is the primary key of a row. It never changes for the
// lifetime of the row.
type DataIdentifier string

// NewIdentifier returns a fresh time-ordered identifier.
func NewIdentifier() DataIdentifier {
	return DataIdentifier(uuid.Must(uuid.NewV7()).String())
}

// Model describes how rows of type T are stored.
type Model[T any] struct {
	// Name is the stable type identity used in storage keys.
	Name string

	// ID returns a pointer to the field holding the row identifier.
	ID func(*T) *DataIdentifier

	// PrimaryKey derives the identifier from row contents. When nil, rows
	// without an identifier are assigned one on insert.
	PrimaryKey func(*T) DataIdentifier

	// Indexes declares secondary keys usable in conditions.
	Indexes map[string]func(*T) KeyValue

	// Temporal rows keep every revision.
	Temporal bool

	// Default constructs the row created when a Resident or Watch selects
	// nothing.
	Default func() T

	// Validate runs before every write.
	Validate func(*T) error
}

// Registry holds the models known to a Layer. Define every model before
// opening realms.
type Registry struct {
	mu     sync.RWMutex
	byType map[reflect.Type]any
	byName map[string]reflect.Type
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byType: make(map[reflect.Type]any),
		byName: make(map[string]reflect.Type),
	}
}

// Define registers the model for T.
func Define[T any](reg *Registry, m Model[T]) error {
	if m.Name == "" || strings.ContainsRune(m.Name, 0) {
		return fmt.Errorf("%w: invalid model name %q", ErrSchema, m.Name)
	}
	if m.ID == nil {
		return fmt.Errorf("%w: model %s has no ID accessor", ErrSchema, m.Name)
	}
	for key, fn := range m.Indexes {
		if key == "" || fn == nil {
			return fmt.Errorf("%w: model %s has an invalid secondary key %q", ErrSchema, m.Name, key)
		}
	}

	typ := reflect.TypeFor[T]()

	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, ok := reg.byType[typ]; ok {
		return fmt.Errorf("%w: type %s already registered", ErrSchema, typ)
	}
	if _, ok := reg.byName[m.Name]; ok {
		return fmt.Errorf("%w: model name %q already registered", ErrSchema, m.Name)
	}
	reg.byType[typ] = &m
	reg.byName[m.Name] = typ
	return nil
}

// MustDefine is Define for package initialization; it panics on error.
func MustDefine[T any](reg *Registry, m Model[T]) {
	if err := Define(reg, m); err != nil {
		panic(err)
	}
}

// Names returns the registered model names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func modelFor[T any](reg *Registry) (*Model[T], error) {
	typ := reflect.TypeFor[T]()
	reg.mu.RLock()
	m, ok := reg.byType[typ]
	reg.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: type %s is not registered", ErrSchema, typ)
	}
	return m.(*Model[T]), nil
}

// identify assigns or derives the identifier of v and returns it.
func (m *Model[T]) identify(v *T) DataIdentifier {
	field := m.ID(v)
	if m.PrimaryKey != nil {
		*field = m.PrimaryKey(v)
	}
	if *field == "" {
		*field = NewIdentifier()
	}
	return *field
}

func (m *Model[T]) validate(v *T) error {
	if m.PrimaryKey != nil {
		if pk := m.PrimaryKey(v); pk == "" {
			return fmt.Errorf("%w: %s has an empty primary key", ErrValidation, m.Name)
		}
	}
	if m.Validate == nil {
		return nil
	}
	if err := m.Validate(v); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrValidation, m.Name, err)
	}
	return nil
}
