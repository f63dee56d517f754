package cryptoprov

import (
	"context"

	"github.com/effective-security/p11crypto/objects"
)

// Provider is the algorithm implementation over the token
type Provider interface {
	// Name returns the algorithm name, e.g. ECDSA
	Name() string
	// CheckKeyType returns KeyType error,
	// if the key does not belong to the provider or does not allow the usage
	CheckKeyType(key *objects.Key, usage string) error
}

// KeyGenerator generates secret keys
type KeyGenerator interface {
	GenerateKey(ctx context.Context, alg Algorithm, extractable bool, usages objects.Usages) (*objects.Key, error)
}

// KeyPairGenerator generates asymmetric key pairs
type KeyPairGenerator interface {
	GenerateKeyPair(ctx context.Context, alg Algorithm, extractable bool, usages objects.Usages) (*KeyPair, error)
}

// KeyImporter imports the keys.
// For JWK format, the data is JSON encoded JSONWebKey.
type KeyImporter interface {
	ImportKey(ctx context.Context, format KeyFormat, data []byte, alg Algorithm, extractable bool, usages objects.Usages) (*objects.Key, error)
}

// KeyExporter exports the keys.
// For JWK format, the result is JSON encoded JSONWebKey.
type KeyExporter interface {
	ExportKey(ctx context.Context, format KeyFormat, key *objects.Key) ([]byte, error)
}

// Signer produces signatures
type Signer interface {
	Sign(ctx context.Context, alg Algorithm, key *objects.Key, data []byte) ([]byte, error)
}

// Verifier verifies signatures
type Verifier interface {
	Verify(ctx context.Context, alg Algorithm, key *objects.Key, signature, data []byte) (bool, error)
}

// BitsDeriver derives the shared bits
type BitsDeriver interface {
	// DeriveBits returns length bits of the shared secret,
	// zero length returns the full secret
	DeriveBits(ctx context.Context, alg Algorithm, baseKey *objects.Key, length int) ([]byte, error)
	// DeriveKeyBits returns length bits of the secret for a derived key,
	// the base key must allow deriveKey usage
	DeriveKeyBits(ctx context.Context, alg Algorithm, baseKey *objects.Key, length int) ([]byte, error)
}

// Digester computes digests
type Digester interface {
	Digest(ctx context.Context, alg Algorithm, data []byte) ([]byte, error)
}

// KeyWrapper wraps the keys
type KeyWrapper interface {
	WrapKey(ctx context.Context, alg Algorithm, wrappingKey *objects.Key, data []byte) ([]byte, error)
}

// KeyUnwrapper unwraps the keys
type KeyUnwrapper interface {
	UnwrapKey(ctx context.Context, alg Algorithm, unwrappingKey *objects.Key, wrapped []byte) ([]byte, error)
}

// KeyLengther returns the length in bits of the key
// to be derived for the algorithm
type KeyLengther interface {
	KeyLength(alg Algorithm) (int, error)
}

// KeyPair is the generated asymmetric key pair
type KeyPair struct {
	PublicKey  *objects.Key
	PrivateKey *objects.Key
}

// CheckUsage returns KeyType error if the key is not provided,
// or does not allow the usage.
// Providers call it before checking the concrete key algorithm.
func CheckUsage(key *objects.Key, usage string) error {
	return objects.CheckUsage(key, usage)
}
