package capability

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"taskpilot/internal/logging"
)

// Registry holds every registered capability and provides lookup by name
// and by stage. Registration happens once at process start; after that the
// registry is read-only, which is what makes the dispatcher's allowlist
// check trustworthy.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition

	// byStage provides fast allowlist lookup per stage.
	byStage map[Stage][]*Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		defs:    make(map[string]*Definition),
		byStage: make(map[Stage][]*Definition),
	}
}

// Register adds a capability. Returns an error if the definition is invalid
// or the name is already taken.
func (r *Registry) Register(def *Definition) error {
	if err := def.Validate(); err != nil {
		return fmt.Errorf("invalid capability: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[def.Name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, def.Name)
	}

	r.defs[def.Name] = def
	for _, s := range def.Stages {
		r.byStage[s] = append(r.byStage[s], def)
	}

	logging.Get(logging.CategoryCapability).Debug("registered capability",
		zap.String("name", def.Name),
		zap.Int("stages", len(def.Stages)))
	return nil
}

// MustRegister registers a capability and panics on error. Use for static
// registration at startup.
func (r *Registry) MustRegister(def *Definition) {
	if err := r.Register(def); err != nil {
		panic(fmt.Sprintf("failed to register capability %s: %v", def.Name, err))
	}
}

// Get returns the capability with the given name.
func (r *Registry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCapability, name)
	}
	return def, nil
}

// Has reports whether a capability with the given name exists.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.defs[name]
	return ok
}

// ListByStage returns all capabilities allowed in a stage, sorted by name
// so the catalogue sent to the model is stable across turns.
func (r *Registry) ListByStage(stage Stage) []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]*Definition, len(r.byStage[stage]))
	copy(defs, r.byStage[stage])
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// ListByNames returns capabilities matching the given names. Missing names
// are silently skipped; voice bootstrap uses this to narrow its toolset.
func (r *Registry) ListByNames(names []string) []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Definition, 0, len(names))
	for _, name := range names {
		if def, ok := r.defs[name]; ok {
			result = append(result, def)
		}
	}
	return result
}

// Names returns all registered capability names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered capabilities.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}
