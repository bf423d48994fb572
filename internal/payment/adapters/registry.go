package adapters

import (
	"strings"

	"github.com/smallbiznis/marketpay/internal/payment/domain"
)

// Registry resolves a persisted provider name to a fresh adapter.
type Registry struct {
	factories map[string]domain.ProviderFactory
	configs   map[string]domain.ProviderConfig
}

func NewRegistry() *Registry {
	return &Registry{
		factories: map[string]domain.ProviderFactory{},
		configs:   map[string]domain.ProviderConfig{},
	}
}

// Register adds a rail with its credentials. Later registrations of the
// same name win.
func (r *Registry) Register(factory domain.ProviderFactory, cfg domain.ProviderConfig) *Registry {
	if factory == nil {
		return r
	}
	name := normalize(factory.Provider())
	if name == "" {
		return r
	}
	r.factories[name] = factory
	r.configs[name] = cfg
	return r
}

func (r *Registry) ProviderExists(provider string) bool {
	if r == nil {
		return false
	}
	_, ok := r.factories[normalize(provider)]
	return ok
}

func (r *Registry) Get(provider string) (domain.Provider, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	name := normalize(provider)
	factory, ok := r.factories[name]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	return factory.NewProvider(r.configs[name])
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}

func normalize(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}
