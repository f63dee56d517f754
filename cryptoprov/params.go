package cryptoprov

import (
	"crypto"
	"strings"

	"github.com/effective-security/p11crypto/cryptoerr"
	"github.com/effective-security/p11crypto/objects"
	"github.com/effective-security/p11crypto/oid"
)

// Algorithm names
const (
	AlgECDSA  = "ECDSA"
	AlgECDH   = "ECDH"
	AlgHMAC   = "HMAC"
	AlgSHA1   = "SHA-1"
	AlgSHA224 = "SHA-224"
	AlgSHA256 = "SHA-256"
	AlgSHA384 = "SHA-384"
	AlgSHA512 = "SHA-512"
)

// KeyFormat specifies the encoding of imported and exported keys
type KeyFormat string

// Key formats
const (
	FormatRaw   KeyFormat = "raw"
	FormatJWK   KeyFormat = "jwk"
	FormatSPKI  KeyFormat = "spki"
	FormatPKCS8 KeyFormat = "pkcs8"
)

// KeyOptions are the per-operation overrides of the key attributes
type KeyOptions = objects.KeyOptions

// Algorithm specifies the algorithm and its parameters
type Algorithm interface {
	AlgorithmName() string
}

// AlgorithmIdentifier is the algorithm without parameters
type AlgorithmIdentifier struct {
	Name string `json:"name"`
}

// AlgorithmName returns the algorithm name
func (a *AlgorithmIdentifier) AlgorithmName() string {
	return a.Name
}

// EcKeyGenParams are the parameters of EC key pair generation
type EcKeyGenParams struct {
	Name       string `json:"name"`
	NamedCurve string `json:"namedCurve"`
	KeyOptions
}

// AlgorithmName returns the algorithm name
func (a *EcKeyGenParams) AlgorithmName() string {
	return a.Name
}

// EcKeyImportParams are the parameters of EC key import
type EcKeyImportParams struct {
	Name       string `json:"name"`
	NamedCurve string `json:"namedCurve"`
	KeyOptions
}

// AlgorithmName returns the algorithm name
func (a *EcKeyImportParams) AlgorithmName() string {
	return a.Name
}

// EcdsaParams are the parameters of ECDSA signature
type EcdsaParams struct {
	Name string `json:"name"`
	// Hash is the name of the hash, e.g. SHA-256
	Hash string `json:"hash"`
}

// AlgorithmName returns the algorithm name
func (a *EcdsaParams) AlgorithmName() string {
	return a.Name
}

// EcdhKeyDeriveParams are the parameters of ECDH derivation
type EcdhKeyDeriveParams struct {
	Name string `json:"name"`
	// Public is the peer public key
	Public *objects.Key `json:"-"`
}

// AlgorithmName returns the algorithm name
func (a *EcdhKeyDeriveParams) AlgorithmName() string {
	return a.Name
}

// HmacKeyGenParams are the parameters of HMAC key generation
type HmacKeyGenParams struct {
	Name string `json:"name"`
	Hash string `json:"hash"`
	// Length in bits, the output size of the hash if not provided
	Length int `json:"length,omitempty"`
	KeyOptions
}

// AlgorithmName returns the algorithm name
func (a *HmacKeyGenParams) AlgorithmName() string {
	return a.Name
}

// HmacImportParams are the parameters of HMAC key import
type HmacImportParams struct {
	Name string `json:"name"`
	Hash string `json:"hash"`
	// Length in bits, the length of the key data if not provided
	Length int `json:"length,omitempty"`
	KeyOptions
}

// AlgorithmName returns the algorithm name
func (a *HmacImportParams) AlgorithmName() string {
	return a.Name
}

// NewAlgorithm returns the algorithm without parameters
func NewAlgorithm(name string) Algorithm {
	return &AlgorithmIdentifier{Name: name}
}

// AlgorithmName returns the name of the algorithm,
// or empty string if alg is nil
func AlgorithmName(alg Algorithm) string {
	if alg == nil {
		return ""
	}
	return alg.AlgorithmName()
}

// LookupHash returns the hash by name, or UnsupportedAlgorithm error
func LookupHash(name string) (crypto.Hash, error) {
	h, ok := oid.LookupHash(strings.TrimSpace(name))
	if !ok {
		return 0, cryptoerr.UnsupportedAlgorithmf("unsupported hash: %q", name)
	}
	return h, nil
}

// FormatError returns UnsupportedAlgorithm error for the key format
func FormatError(format KeyFormat, kind objects.KeyKind) error {
	return cryptoerr.UnsupportedAlgorithmf("unsupported key format: %q for %s key", format, kind)
}
