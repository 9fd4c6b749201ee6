package runtime

import (
	"fmt"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/fleetd/internal/config"
)

// Factory builds a runtime from fleet settings.
type Factory func(settings config.FleetSettings) (Runtime, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register adds a runtime factory under a name. Duplicate registration is a
// programmer error and panics.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("runtime: duplicate registration for %q", name))
	}
	registry[name] = f
}

// New constructs the named runtime.
func New(name string, settings config.FleetSettings) (Runtime, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("runtime: unknown type %q (registered: %v)", name, Names())
	}
	return f(settings)
}

// Names lists registered runtime types, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
