package provider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Factory creates a ResourceProvider from its configuration subtree
// (providers.<name>) and a logger.
type Factory func(cfg *viper.Viper, logger *zap.Logger) (ResourceProvider, error)

// providerEntry holds the factory and help text for a registered provider.
type providerEntry struct {
	factory Factory
	envHelp string // help text describing required environment variables
}

var (
	mu        sync.RWMutex
	providers = make(map[string]providerEntry)
)

// Register adds a provider to the global registry.
//
// Panics if a provider with the same name is already registered.
func Register(name string, factory Factory, envHelp string) {
	mu.Lock()
	defer mu.Unlock()

	if _, exists := providers[name]; exists {
		panic(fmt.Sprintf("provider: %q already registered", name))
	}

	providers[name] = providerEntry{
		factory: factory,
		envHelp: envHelp,
	}
}

// Get returns the factory for a registered provider.
func Get(name string) (Factory, error) {
	mu.RLock()
	defer mu.RUnlock()

	entry, ok := providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q; available: %s", name, listNamesLocked())
	}
	return entry.factory, nil
}

// New looks up name and builds the provider. cfg may be nil.
func New(name string, cfg *viper.Viper, logger *zap.Logger) (ResourceProvider, error) {
	factory, err := Get(name)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = viper.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p, err := factory(cfg, logger.Named(name))
	if err != nil {
		return nil, fmt.Errorf("creating %s provider: %w", name, err)
	}
	return p, nil
}

// List returns the names of all registered providers in sorted order.
func List() []string {
	mu.RLock()
	defer mu.RUnlock()
	return listNamesLocked()
}

// EnvHelp returns the environment variable help text for a provider.
func EnvHelp(name string) string {
	mu.RLock()
	defer mu.RUnlock()

	if entry, ok := providers[name]; ok {
		return entry.envHelp
	}
	return ""
}

// listNamesLocked returns sorted provider names. Caller must hold mu.
func listNamesLocked() []string {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
