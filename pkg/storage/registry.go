package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// DriverFactory is a function that creates a Backend from a Config.
type DriverFactory func(config Config) (Backend, error)

// registry holds all registered storage drivers.
var (
	registry = make(map[string]DriverFactory)
	mu       sync.RWMutex
)

// Register adds a storage driver to the registry. Drivers register
// themselves from init, so importing a driver package is enough to make
// it available.
//
// Example:
//
//	func init() {
//	    storage.Register("file", func(config storage.Config) (storage.Backend, error) {
//	        return New(config)
//	    })
//	}
func Register(name string, factory DriverFactory) {
	mu.Lock()
	defer mu.Unlock()

	if factory == nil {
		panic("storage: Register factory is nil")
	}
	if _, dup := registry[name]; dup {
		panic("storage: Register called twice for driver " + name)
	}
	registry[name] = factory
}

// Open creates and initializes the backend named by config.Driver.
//
// Example:
//
//	backend, err := storage.Open(ctx, storage.Config{
//	    Driver: "file",
//	    File:   &storage.FileConfig{Dir: "./data"},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer backend.Close()
func Open(ctx context.Context, config Config) (Backend, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	mu.RLock()
	factory, ok := registry[config.Driver]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown storage driver: %s (available: %v)", config.Driver, ListDrivers())
	}

	backend, err := factory(config)
	if err != nil {
		return nil, err
	}
	if err := backend.Initialize(ctx); err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("initialize %s backend: %w", config.Driver, err)
	}
	return backend, nil
}

// ListDrivers returns the registered driver names in sorted order.
func ListDrivers() []string {
	mu.RLock()
	defer mu.RUnlock()

	drivers := make([]string, 0, len(registry))
	for name := range registry {
		drivers = append(drivers, name)
	}
	sort.Strings(drivers)
	return drivers
}

// IsRegistered checks if a driver is registered.
func IsRegistered(name string) bool {
	mu.RLock()
	defer mu.RUnlock()

	_, ok := registry[name]
	return ok
}

// Unregister removes a driver from the registry.
// This is primarily useful for testing.
func Unregister(name string) {
	mu.Lock()
	defer mu.Unlock()

	delete(registry, name)
}
