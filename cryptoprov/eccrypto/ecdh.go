package eccrypto

import (
	"context"
	"time"

	"github.com/effective-security/p11crypto/crypto11"
	"github.com/effective-security/p11crypto/cryptoerr"
	"github.com/effective-security/p11crypto/cryptoprov"
	"github.com/effective-security/p11crypto/metricskey"
	"github.com/effective-security/p11crypto/objects"
	"github.com/miekg/pkcs11"
)

// EcdhProvider implements ECDH
type EcdhProvider struct {
	ecBase
}

// NewEcdhProvider returns ECDH provider over the session
func NewEcdhProvider(s cryptoprov.Session) *EcdhProvider {
	return &EcdhProvider{
		ecBase: ecBase{
			name:          cryptoprov.AlgECDH,
			session:       s,
			publicUsages:  []string{},
			privateUsages: []string{objects.UsageDeriveKey, objects.UsageDeriveBits},
		},
	}
}

// Name returns ECDH
func (p *EcdhProvider) Name() string {
	return p.name
}

// CheckKeyType returns KeyType error if the key is not ECDH key,
// or does not allow the usage
func (p *EcdhProvider) CheckKeyType(key *objects.Key, usage string) error {
	_, err := p.checkKeyType(key, usage)
	return err
}

// GenerateKeyPair generates ECDH key pair
func (p *EcdhProvider) GenerateKeyPair(ctx context.Context, alg cryptoprov.Algorithm, extractable bool, usages objects.Usages) (*cryptoprov.KeyPair, error) {
	defer metricskey.PerfCryptoOperation.MeasureSince(time.Now(), p.name, "generate")
	return p.generateKeyPair(ctx, alg, extractable, usages)
}

// ImportKey imports ECDH key
func (p *EcdhProvider) ImportKey(ctx context.Context, format cryptoprov.KeyFormat, data []byte, alg cryptoprov.Algorithm, extractable bool, usages objects.Usages) (*objects.Key, error) {
	defer metricskey.PerfCryptoOperation.MeasureSince(time.Now(), p.name, "import")
	return p.importKey(ctx, format, data, alg, extractable, usages)
}

// ExportKey exports ECDH key
func (p *EcdhProvider) ExportKey(ctx context.Context, format cryptoprov.KeyFormat, key *objects.Key) ([]byte, error) {
	defer metricskey.PerfCryptoOperation.MeasureSince(time.Now(), p.name, "export")
	return p.exportKey(ctx, format, key)
}

// DeriveBits returns length bits of the shared secret with the peer public key,
// zero length returns the full secret
func (p *EcdhProvider) DeriveBits(ctx context.Context, alg cryptoprov.Algorithm, baseKey *objects.Key, length int) ([]byte, error) {
	return p.derive(ctx, alg, baseKey, length, objects.UsageDeriveBits)
}

// DeriveKeyBits returns length bits of the shared secret for a derived key
func (p *EcdhProvider) DeriveKeyBits(ctx context.Context, alg cryptoprov.Algorithm, baseKey *objects.Key, length int) ([]byte, error) {
	return p.derive(ctx, alg, baseKey, length, objects.UsageDeriveKey)
}

func (p *EcdhProvider) derive(ctx context.Context, alg cryptoprov.Algorithm, baseKey *objects.Key, length int, usage string) ([]byte, error) {
	params, ok := alg.(*cryptoprov.EcdhKeyDeriveParams)
	if !ok {
		return nil, cryptoerr.UnsupportedAlgorithmf("invalid ECDH parameters: %T", alg)
	}
	c, err := p.checkKeyType(baseKey, usage)
	if err != nil {
		return nil, err
	}
	if err = checkKind(baseKey, objects.KindPrivate); err != nil {
		return nil, err
	}
	if params.Public == nil {
		return nil, cryptoerr.KeyTypef("peer public key is not provided")
	}
	pc, err := p.checkKeyType(params.Public, "")
	if err != nil {
		return nil, err
	}
	if err = checkKind(params.Public, objects.KindPublic); err != nil {
		return nil, err
	}
	if pc != c {
		return nil, cryptoerr.KeyTypef("peer public key curve %s does not match %s", pc.Name, c.Name)
	}
	if length < 0 || length > c.SecretBits {
		return nil, cryptoerr.Rangef("invalid length %d for %s, maximum: %d", length, c.Name, c.SecretBits)
	}
	if length == 0 {
		length = c.SecretBits
	}

	val, err := params.Public.Attribute(ctx, pkcs11.CKA_EC_POINT)
	if err != nil {
		return nil, err
	}
	point, err := ParseECPoint(c, val)
	if err != nil {
		return nil, err
	}

	defer metricskey.PerfCryptoOperation.MeasureSince(time.Now(), p.name, "derive")

	template := objects.NewKeyTemplate(pkcs11.CKO_SECRET_KEY, pkcs11.CKK_GENERIC_SECRET, crypto11.KeyDefaults{}).
		ApplyUsages(objects.Usages{objects.UsageEncrypt, objects.UsageDecrypt}).
		Set(pkcs11.CKA_VALUE_LEN, c.SecretBits>>3)
	template.Extractable = true

	mech := pkcs11.NewMechanism(pkcs11.CKM_ECDH1_DERIVE,
		pkcs11.NewECDH1DeriveParams(pkcs11.CKD_NULL, nil, point))

	var secret []byte
	err = baseKey.Do(ctx, func(m crypto11.Module, sh pkcs11.SessionHandle) error {
		h, err := m.DeriveKey(sh, []*pkcs11.Mechanism{mech}, baseKey.Handle(), template.Attributes())
		if err != nil {
			return cryptoerr.Token("C_DeriveKey", err)
		}
		defer destroyObjects(m, sh, h)

		attrs, err := m.GetAttributeValue(sh, h, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
		})
		if err != nil {
			return cryptoerr.Token("C_GetAttributeValue", err)
		}
		secret = attrs[0].Value
		return nil
	})
	if err != nil {
		return nil, err
	}

	n := length >> 3
	if n > len(secret) {
		n = len(secret)
	}
	return secret[:n], nil
}
