package cryptoprov

import (
	"sort"
	"strings"
	"sync"

	"github.com/effective-security/p11crypto/cryptoerr"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/p11crypto", "cryptoprov")

// Registry maps algorithm names to providers,
// the names are case insensitive
type Registry struct {
	lock      sync.RWMutex
	providers map[string]Provider
}

// NewRegistry returns the registry with the providers,
// registered by their names
func NewRegistry(providers ...Provider) (*Registry, error) {
	r := &Registry{
		providers: make(map[string]Provider),
	}
	for _, p := range providers {
		if err := r.Register(p.Name(), p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func normalizeName(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// Register provider by algorithm name
func (r *Registry) Register(name string, p Provider) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	key := normalizeName(name)
	if key == "" || p == nil {
		return cryptoerr.Configurationf("invalid provider registration: %q", name)
	}
	if _, ok := r.providers[key]; ok {
		return cryptoerr.Configurationf("already registered: %s", name)
	}

	r.providers[key] = p
	logger.KV(xlog.DEBUG, "reason", "register", "alg", key, "provider", p.Name())
	return nil
}

// Unregister provider by algorithm name
func (r *Registry) Unregister(name string) (Provider, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	key := normalizeName(name)
	if p, ok := r.providers[key]; ok {
		delete(r.providers, key)
		return p, nil
	}

	return nil, cryptoerr.NotFoundf("not registered: %s", name)
}

// Registered returns sorted names of registered algorithms
func (r *Registry) Registered() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()

	list := make([]string, 0, len(r.providers))
	for name := range r.providers {
		list = append(list, name)
	}
	sort.Strings(list)
	return list
}

// Get returns the provider by algorithm name
func (r *Registry) Get(name string) (Provider, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	p, ok := r.providers[normalizeName(name)]
	if !ok {
		return nil, cryptoerr.UnsupportedAlgorithmf("unsupported algorithm: %q", name)
	}
	return p, nil
}
