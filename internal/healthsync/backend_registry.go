package healthsync

import (
	"strings"
	"sync"
)

type VersionBackendFactory func(dsn string) (VersionBackend, error)

var versionBackendRegistry = struct {
	mu        sync.RWMutex
	factories map[string]VersionBackendFactory
}{
	factories: map[string]VersionBackendFactory{},
}

// RegisterVersionBackendFactory lets embedders plug custom version-map
// backends in by DSN scheme. Registered schemes shadow the built-ins.
func RegisterVersionBackendFactory(scheme string, factory VersionBackendFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	versionBackendRegistry.mu.Lock()
	defer versionBackendRegistry.mu.Unlock()
	versionBackendRegistry.factories[scheme] = factory
}

func lookupVersionBackendFactory(scheme string) (VersionBackendFactory, bool) {
	scheme = normalizeScheme(scheme)
	versionBackendRegistry.mu.RLock()
	defer versionBackendRegistry.mu.RUnlock()
	factory, ok := versionBackendRegistry.factories[scheme]
	return factory, ok
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
