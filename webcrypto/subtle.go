package webcrypto

import (
	"context"

	"github.com/effective-security/p11crypto/cryptoerr"
	"github.com/effective-security/p11crypto/cryptoprov"
	"github.com/effective-security/p11crypto/objects"
)

// Subtle dispatches the operations to the algorithm providers
type Subtle struct {
	registry *cryptoprov.Registry
}

// NewSubtle returns Subtle over the registry
func NewSubtle(registry *cryptoprov.Registry) *Subtle {
	return &Subtle{registry: registry}
}

func (s *Subtle) provider(name string) (cryptoprov.Provider, error) {
	if name == "" {
		return nil, cryptoerr.UnsupportedAlgorithmf("algorithm is not provided")
	}
	return s.registry.Get(name)
}

func unsupported(p cryptoprov.Provider, op string) error {
	return cryptoerr.UnsupportedAlgorithmf("%s does not support %s", p.Name(), op)
}

func keyAlgorithm(key *objects.Key) (string, error) {
	if key == nil {
		return "", cryptoerr.KeyTypef("key is not provided")
	}
	return cryptoprov.AlgorithmName(key.Algorithm()), nil
}

// GenerateKey returns a new secret key
func (s *Subtle) GenerateKey(ctx context.Context, alg cryptoprov.Algorithm, extractable bool, usages objects.Usages) (*objects.Key, error) {
	p, err := s.provider(cryptoprov.AlgorithmName(alg))
	if err != nil {
		return nil, err
	}
	g, ok := p.(cryptoprov.KeyGenerator)
	if !ok {
		return nil, unsupported(p, "generateKey")
	}
	return g.GenerateKey(ctx, alg, extractable, usages)
}

// GenerateKeyPair returns a new key pair
func (s *Subtle) GenerateKeyPair(ctx context.Context, alg cryptoprov.Algorithm, extractable bool, usages objects.Usages) (*cryptoprov.KeyPair, error) {
	p, err := s.provider(cryptoprov.AlgorithmName(alg))
	if err != nil {
		return nil, err
	}
	g, ok := p.(cryptoprov.KeyPairGenerator)
	if !ok {
		return nil, unsupported(p, "generateKey")
	}
	return g.GenerateKeyPair(ctx, alg, extractable, usages)
}

// ImportKey creates the key from the data in format
func (s *Subtle) ImportKey(ctx context.Context, format cryptoprov.KeyFormat, data []byte, alg cryptoprov.Algorithm, extractable bool, usages objects.Usages) (*objects.Key, error) {
	p, err := s.provider(cryptoprov.AlgorithmName(alg))
	if err != nil {
		return nil, err
	}
	i, ok := p.(cryptoprov.KeyImporter)
	if !ok {
		return nil, unsupported(p, "importKey")
	}
	return i.ImportKey(ctx, format, data, alg, extractable, usages)
}

// ExportKey returns the key in format
func (s *Subtle) ExportKey(ctx context.Context, format cryptoprov.KeyFormat, key *objects.Key) ([]byte, error) {
	name, err := keyAlgorithm(key)
	if err != nil {
		return nil, err
	}
	p, err := s.provider(name)
	if err != nil {
		return nil, err
	}
	e, ok := p.(cryptoprov.KeyExporter)
	if !ok {
		return nil, unsupported(p, "exportKey")
	}
	return e.ExportKey(ctx, format, key)
}

// Sign returns the signature of data
func (s *Subtle) Sign(ctx context.Context, alg cryptoprov.Algorithm, key *objects.Key, data []byte) ([]byte, error) {
	p, err := s.provider(cryptoprov.AlgorithmName(alg))
	if err != nil {
		return nil, err
	}
	signer, ok := p.(cryptoprov.Signer)
	if !ok {
		return nil, unsupported(p, "sign")
	}
	return signer.Sign(ctx, alg, key, data)
}

// Verify returns true if the signature of data is valid
func (s *Subtle) Verify(ctx context.Context, alg cryptoprov.Algorithm, key *objects.Key, signature, data []byte) (bool, error) {
	p, err := s.provider(cryptoprov.AlgorithmName(alg))
	if err != nil {
		return false, err
	}
	v, ok := p.(cryptoprov.Verifier)
	if !ok {
		return false, unsupported(p, "verify")
	}
	return v.Verify(ctx, alg, key, signature, data)
}

// Digest returns the digest of data
func (s *Subtle) Digest(ctx context.Context, alg cryptoprov.Algorithm, data []byte) ([]byte, error) {
	p, err := s.provider(cryptoprov.AlgorithmName(alg))
	if err != nil {
		return nil, err
	}
	d, ok := p.(cryptoprov.Digester)
	if !ok {
		return nil, unsupported(p, "digest")
	}
	return d.Digest(ctx, alg, data)
}

// DeriveBits returns length bits derived from the base key,
// zero length returns all bits of the shared secret
func (s *Subtle) DeriveBits(ctx context.Context, alg cryptoprov.Algorithm, baseKey *objects.Key, length int) ([]byte, error) {
	p, err := s.provider(cryptoprov.AlgorithmName(alg))
	if err != nil {
		return nil, err
	}
	d, ok := p.(cryptoprov.BitsDeriver)
	if !ok {
		return nil, unsupported(p, "deriveBits")
	}
	return d.DeriveBits(ctx, alg, baseKey, length)
}

// DeriveKey derives the key of derivedKeyType from the base key.
// The length of the derived key is specified by derivedKeyType.
func (s *Subtle) DeriveKey(ctx context.Context, alg cryptoprov.Algorithm, baseKey *objects.Key, derivedKeyType cryptoprov.Algorithm, extractable bool, usages objects.Usages) (*objects.Key, error) {
	p, err := s.provider(cryptoprov.AlgorithmName(alg))
	if err != nil {
		return nil, err
	}
	d, ok := p.(cryptoprov.BitsDeriver)
	if !ok {
		return nil, unsupported(p, "deriveKey")
	}

	tp, err := s.provider(cryptoprov.AlgorithmName(derivedKeyType))
	if err != nil {
		return nil, err
	}
	lengther, ok := tp.(cryptoprov.KeyLengther)
	if !ok {
		return nil, unsupported(tp, "getKeyLength")
	}
	importer, ok := tp.(cryptoprov.KeyImporter)
	if !ok {
		return nil, unsupported(tp, "importKey")
	}

	length, err := lengther.KeyLength(derivedKeyType)
	if err != nil {
		return nil, err
	}
	bits, err := d.DeriveKeyBits(ctx, alg, baseKey, length)
	if err != nil {
		return nil, err
	}
	return importer.ImportKey(ctx, cryptoprov.FormatRaw, bits, importParams(derivedKeyType, length), extractable, usages)
}

// importParams returns the import parameters of the derived key
func importParams(alg cryptoprov.Algorithm, length int) cryptoprov.Algorithm {
	if p, ok := alg.(*cryptoprov.HmacKeyGenParams); ok {
		return &cryptoprov.HmacImportParams{
			Name:       p.Name,
			Hash:       p.Hash,
			Length:     length,
			KeyOptions: p.KeyOptions,
		}
	}
	return alg
}

// WrapKey exports the key in format and encrypts it with the wrapping key
func (s *Subtle) WrapKey(ctx context.Context, format cryptoprov.KeyFormat, key, wrappingKey *objects.Key, wrapAlg cryptoprov.Algorithm) ([]byte, error) {
	p, err := s.provider(cryptoprov.AlgorithmName(wrapAlg))
	if err != nil {
		return nil, err
	}
	w, ok := p.(cryptoprov.KeyWrapper)
	if !ok {
		return nil, unsupported(p, "wrapKey")
	}

	data, err := s.ExportKey(ctx, format, key)
	if err != nil {
		return nil, err
	}
	return w.WrapKey(ctx, wrapAlg, wrappingKey, data)
}

// UnwrapKey decrypts the wrapped key with the unwrapping key,
// and imports it in format
func (s *Subtle) UnwrapKey(ctx context.Context, format cryptoprov.KeyFormat, wrapped []byte, unwrappingKey *objects.Key,
	unwrapAlg, unwrappedKeyAlg cryptoprov.Algorithm, extractable bool, usages objects.Usages) (*objects.Key, error) {
	p, err := s.provider(cryptoprov.AlgorithmName(unwrapAlg))
	if err != nil {
		return nil, err
	}
	u, ok := p.(cryptoprov.KeyUnwrapper)
	if !ok {
		return nil, unsupported(p, "unwrapKey")
	}

	data, err := u.UnwrapKey(ctx, unwrapAlg, unwrappingKey, wrapped)
	if err != nil {
		return nil, err
	}
	return s.ImportKey(ctx, format, data, unwrappedKeyAlg, extractable, usages)
}
