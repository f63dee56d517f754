package webcrypto

import (
	"context"

	"github.com/effective-security/p11crypto/crypto11"
	"github.com/effective-security/p11crypto/cryptoprov"
	"github.com/effective-security/p11crypto/cryptoprov/eccrypto"
	"github.com/effective-security/p11crypto/cryptoprov/hmaccrypto"
	"github.com/effective-security/p11crypto/cryptoprov/shacrypto"
	"github.com/effective-security/p11crypto/storage"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/p11crypto", "webcrypto")

// Crypto provides the algorithms and the storages
// over a single session of the PKCS#11 token
type Crypto struct {
	lib      *crypto11.PKCS11Lib
	registry *cryptoprov.Registry
	subtle   *Subtle
	keys     *storage.KeyStorage
	certs    *storage.CertStorage
}

// Load returns Crypto for the token configuration file
func Load(configFile string) (*Crypto, error) {
	cfg, err := crypto11.LoadTokenConfig(configFile)
	if err != nil {
		return nil, err
	}
	return New(cfg)
}

// New loads the PKCS#11 library and opens the session
func New(cfg *crypto11.TokenConfig) (*Crypto, error) {
	return NewWithLoader(cfg, crypto11.DefaultLoader)
}

// NewWithLoader opens the session on the module returned by loader
func NewWithLoader(cfg *crypto11.TokenConfig, loader crypto11.ModuleLoader) (*Crypto, error) {
	lib, err := crypto11.InitWithLoader(cfg, loader)
	if err != nil {
		return nil, err
	}

	registry, err := NewRegistry(lib)
	if err != nil {
		_ = lib.Close()
		return nil, err
	}

	c := &Crypto{
		lib:      lib,
		registry: registry,
		subtle:   &Subtle{registry: registry},
		keys:     storage.NewKeyStorage(lib),
		certs:    storage.NewCertStorage(lib),
	}
	logger.KV(xlog.INFO,
		"status", "opened",
		"slot", lib.CurrentSlotID(),
		"read_write", lib.IsReadWrite(),
		"algorithms", registry.Registered())
	return c, nil
}

// NewRegistry returns the registry of the supported algorithms,
// bound to the session
func NewRegistry(s cryptoprov.Session) (*cryptoprov.Registry, error) {
	providers := []cryptoprov.Provider{
		eccrypto.NewEcdsaProvider(s),
		eccrypto.NewEcdhProvider(s),
		hmaccrypto.NewProvider(s),
	}
	providers = append(providers, shacrypto.Providers(s)...)
	return cryptoprov.NewRegistry(providers...)
}

// Subtle returns the algorithm operations
func (c *Crypto) Subtle() *Subtle {
	return c.subtle
}

// KeyStorage returns the key storage
func (c *Crypto) KeyStorage() *storage.KeyStorage {
	return c.keys
}

// CertStorage returns the certificate storage
func (c *Crypto) CertStorage() *storage.CertStorage {
	return c.certs
}

// Registry returns the algorithm registry
func (c *Crypto) Registry() *cryptoprov.Registry {
	return c.registry
}

// Info returns the provider info
func (c *Crypto) Info() *crypto11.ProviderInfo {
	return c.lib.Info()
}

// IsLoginRequired returns true if the token requires login
func (c *Crypto) IsLoginRequired() bool {
	return c.lib.IsLoginRequired()
}

// IsLoggedIn returns true if the session is logged in,
// or the token does not require login
func (c *Crypto) IsLoggedIn() bool {
	return c.lib.IsLoggedIn()
}

// IsReadWrite returns true if the session is read/write
func (c *Crypto) IsReadWrite() bool {
	return c.lib.IsReadWrite()
}

// Login authenticates the session
func (c *Crypto) Login(ctx context.Context, pin string) error {
	return c.lib.Login(ctx, pin)
}

// Logout de-authenticates the session
func (c *Crypto) Logout(ctx context.Context) error {
	return c.lib.Logout(ctx)
}

// Reset re-opens the session, the keys and certificates
// obtained before become stale
func (c *Crypto) Reset(ctx context.Context) error {
	return c.lib.Reset(ctx)
}

// GetRandomValues returns n random bytes, up to 65536
func (c *Crypto) GetRandomValues(ctx context.Context, n int) ([]byte, error) {
	return c.lib.GenerateRandom(ctx, n)
}

// Close closes the session and unloads the library
func (c *Crypto) Close() error {
	return c.lib.Close()
}
