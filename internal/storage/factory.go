// factory.go implements the storage backend registry, mapping backend type strings
// (local, s3, azure, gcs) to constructor functions.
package storage

import (
	"fmt"
	"sort"

	"github.com/docvault/docvault/internal/config"
)

// FactoryFunc creates a storage backend from configuration
type FactoryFunc func(*config.Config) (Storage, error)

var factories = make(map[string]FactoryFunc)

// Register registers a storage backend factory
func Register(name string, factory FactoryFunc) {
	factories[name] = factory
}

// Registered returns the names of all registered backends, sorted.
func Registered() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewStorage creates the storage backend named by cfg.Storage.DefaultBackend
func NewStorage(cfg *config.Config) (Storage, error) {
	factory, ok := factories[cfg.Storage.DefaultBackend]
	if !ok {
		return nil, fmt.Errorf("unsupported storage backend: %s (registered: %v)", cfg.Storage.DefaultBackend, Registered())
	}
	return factory(cfg)
}
