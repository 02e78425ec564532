package backend

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/gogpu/dispatch/gpucore"
)

// Backend names.
const (
	// Native is the wgpu/hal backend running kernels on a GPU.
	Native = "native"

	// Software is the CPU reference backend.
	Software = "software"
)

// Common backend errors.
var (
	// ErrNoAdapter is returned when no registered backend yields an adapter.
	ErrNoAdapter = errors.New("backend: no adapter available")
)

// NotFoundError is returned by Get for a name that is not registered.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("backend: %q not registered", e.Name)
}

// Factory creates an adapter. A factory returns an error when its backend
// cannot expose an adapter on this machine.
type Factory func() (gpucore.Adapter, error)

// registry holds registered backends.
var (
	registryMu sync.RWMutex
	factories  = make(map[string]Factory)
	// Priority order for adapter selection (first available wins).
	priority = []string{Native, Software}
)

// Register registers an adapter factory with the given name.
// This is typically called from init() functions in backend packages.
// If a backend with the same name is already registered, it is replaced.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factories[name] = factory
}

// Unregister removes a backend from the registry.
// This is useful for testing.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(factories, name)
}

// Available returns the registered backend names, sorted.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsRegistered checks if a backend with the given name is registered.
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := factories[name]
	return ok
}

// Get returns an adapter from the named backend.
func Get(name string) (gpucore.Adapter, error) {
	registryMu.RLock()
	factory, ok := factories[name]
	registryMu.RUnlock()

	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	a, err := factory()
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", name, err)
	}
	return a, nil
}

// Default returns an adapter from the best available backend.
// Priority order: native > software, then any other registered backend
// in name order.
func Default() (gpucore.Adapter, error) {
	registryMu.RLock()
	order := make([]string, 0, len(factories))
	for _, name := range priority {
		if _, ok := factories[name]; ok {
			order = append(order, name)
		}
	}
	var rest []string
	for name := range factories {
		if name != Native && name != Software {
			rest = append(rest, name)
		}
	}
	registryMu.RUnlock()

	sort.Strings(rest)
	order = append(order, rest...)

	var errs []error
	for _, name := range order {
		a, err := Get(name)
		if err == nil {
			return a, nil
		}
		errs = append(errs, err)
	}
	return nil, errors.Join(append([]error{ErrNoAdapter}, errs...)...)
}
