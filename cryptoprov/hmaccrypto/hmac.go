package hmaccrypto

import (
	"context"
	"crypto"
	"fmt"
	"strings"
	"time"

	"github.com/effective-security/p11crypto/crypto11"
	"github.com/effective-security/p11crypto/cryptoerr"
	"github.com/effective-security/p11crypto/cryptoprov"
	"github.com/effective-security/p11crypto/metricskey"
	"github.com/effective-security/p11crypto/objects"
	"github.com/effective-security/p11crypto/oid"
	"github.com/effective-security/x/slices"
	"github.com/effective-security/xlog"
	"github.com/miekg/pkcs11"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/p11crypto/cryptoprov", "hmaccrypto")

// hashInfo describes the hash supported for HMAC
type hashInfo struct {
	// bits is the default key length
	bits int
	// mechanism is the name of CKM_ mechanism
	mechanism string
}

var hashes = map[crypto.Hash]hashInfo{
	crypto.SHA1:   {bits: 160, mechanism: "SHA_1_HMAC"},
	crypto.SHA224: {bits: 224, mechanism: "SHA224_HMAC"},
	crypto.SHA256: {bits: 256, mechanism: "SHA256_HMAC"},
	crypto.SHA384: {bits: 384, mechanism: "SHA384_HMAC"},
	crypto.SHA512: {bits: 512, mechanism: "SHA512_HMAC"},
}

var allowedUsages = []string{objects.UsageSign, objects.UsageVerify}

// Provider implements HMAC
type Provider struct {
	session cryptoprov.Session
}

// NewProvider returns HMAC provider over the session
func NewProvider(s cryptoprov.Session) *Provider {
	return &Provider{session: s}
}

// Name returns HMAC
func (p *Provider) Name() string {
	return cryptoprov.AlgHMAC
}

// CheckKeyType returns KeyType error if the key is not HMAC key,
// or does not allow the usage
func (p *Provider) CheckKeyType(key *objects.Key, usage string) error {
	_, err := p.checkKeyType(key, usage)
	return err
}

func (p *Provider) checkKeyType(key *objects.Key, usage string) (*objects.HmacKeyAlgorithm, error) {
	if usage != "" {
		if err := cryptoprov.CheckUsage(key, usage); err != nil {
			return nil, err
		}
	} else if key == nil {
		return nil, cryptoerr.KeyTypef("key is not provided")
	}
	alg, ok := key.Algorithm().(*objects.HmacKeyAlgorithm)
	if !ok || !strings.EqualFold(alg.Name, cryptoprov.AlgHMAC) || key.Kind() != objects.KindSecret {
		return nil, cryptoerr.KeyTypef("key is not HMAC key: %s", key.Algorithm().AlgorithmName())
	}
	return alg, nil
}

// lookupHash returns the hash supported for HMAC
func lookupHash(name string) (crypto.Hash, hashInfo, error) {
	h, err := cryptoprov.LookupHash(name)
	if err != nil {
		return 0, hashInfo{}, err
	}
	info, ok := hashes[h]
	if !ok {
		return 0, hashInfo{}, cryptoerr.UnsupportedAlgorithmf("unsupported HMAC hash: %q", name)
	}
	return h, info, nil
}

// DefaultLength returns the default key length in bits for the hash
func DefaultLength(hash string) (int, error) {
	_, info, err := lookupHash(hash)
	if err != nil {
		return 0, err
	}
	return info.bits, nil
}

// HashByLength returns the name of the hash which output size matches
// the key length in bits, SHA-256 for other lengths.
// The token does not keep the hash of the key.
func HashByLength(bits int) string {
	for h, info := range hashes {
		if info.bits == bits {
			return oid.HashName[h]
		}
	}
	return oid.HashName[crypto.SHA256]
}

func checkUsages(usages objects.Usages) error {
	if len(usages) == 0 {
		return cryptoerr.KeyTypef("usages are not provided")
	}
	for _, u := range usages {
		if !slices.ContainsString(allowedUsages, u) {
			return cryptoerr.KeyTypef("%q usage is not allowed for HMAC key", u)
		}
	}
	return nil
}

func checkLength(bits int) error {
	if bits <= 0 || bits%8 != 0 {
		return cryptoerr.Rangef("invalid HMAC key length: %d", bits)
	}
	return nil
}

// template returns the secret key template
// with the label and random ID
func (p *Provider) template(ctx context.Context, bits int, extractable bool, usages objects.Usages, opts *cryptoprov.KeyOptions) (*objects.KeyTemplate, error) {
	id, err := p.session.GenerateRandom(ctx, objects.IDSize)
	if err != nil {
		return nil, err
	}
	t := objects.NewKeyTemplate(pkcs11.CKO_SECRET_KEY, pkcs11.CKK_GENERIC_SECRET, p.session.Defaults())
	t.Label = fmt.Sprintf("HMAC-%d", bits)
	t.Extractable = extractable
	t.ID = id
	return t.ApplyUsages(usages).ApplyOptions(opts), nil
}

// GenerateKey generates HMAC key
func (p *Provider) GenerateKey(ctx context.Context, alg cryptoprov.Algorithm, extractable bool, usages objects.Usages) (*objects.Key, error) {
	params, ok := alg.(*cryptoprov.HmacKeyGenParams)
	if !ok {
		return nil, cryptoerr.UnsupportedAlgorithmf("invalid HMAC key generation parameters: %T", alg)
	}
	h, info, err := lookupHash(params.Hash)
	if err != nil {
		return nil, err
	}
	bits := params.Length
	if bits == 0 {
		bits = info.bits
	}
	if err = checkLength(bits); err != nil {
		return nil, err
	}
	if err = checkUsages(usages); err != nil {
		return nil, err
	}
	if !p.session.MechanismSupported(pkcs11.CKM_GENERIC_SECRET_KEY_GEN) {
		return nil, cryptoerr.UnsupportedAlgorithmf("token does not support CKM_GENERIC_SECRET_KEY_GEN")
	}

	defer metricskey.PerfCryptoOperation.MeasureSince(time.Now(), cryptoprov.AlgHMAC, "generate")

	t, err := p.template(ctx, bits, extractable, usages, &params.KeyOptions)
	if err != nil {
		return nil, err
	}
	t.Set(pkcs11.CKA_VALUE_LEN, bits>>3)

	var handle pkcs11.ObjectHandle
	err = p.session.Do(ctx, func(m crypto11.Module, sh pkcs11.SessionHandle) error {
		var err error
		handle, err = m.GenerateKey(sh,
			[]*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_GENERIC_SECRET_KEY_GEN, nil)},
			t.Attributes())
		return cryptoerr.Token("C_GenerateKey", err)
	})
	if err != nil {
		return nil, err
	}

	logger.KV(xlog.DEBUG, "reason", "generated", "hash", oid.HashName[h], "bits", bits, "label", t.Label)

	return objects.NewKey(objects.NewObject(p.session, handle), objects.KindSecret,
		&objects.HmacKeyAlgorithm{Name: cryptoprov.AlgHMAC, Hash: oid.HashName[h], Length: bits},
		extractable, usages, t.ID), nil
}

// ImportKey imports HMAC key from raw or JWK format
func (p *Provider) ImportKey(ctx context.Context, format cryptoprov.KeyFormat, data []byte, alg cryptoprov.Algorithm, extractable bool, usages objects.Usages) (*objects.Key, error) {
	params, ok := alg.(*cryptoprov.HmacImportParams)
	if !ok {
		return nil, cryptoerr.UnsupportedAlgorithmf("invalid HMAC key import parameters: %T", alg)
	}
	h, _, err := lookupHash(params.Hash)
	if err != nil {
		return nil, err
	}

	var value []byte
	switch format {
	case cryptoprov.FormatRaw:
		value = data
	case cryptoprov.FormatJWK:
		jwk, err := cryptoprov.ParseJWK(data)
		if err != nil {
			return nil, err
		}
		if err = jwk.CheckImport(cryptoprov.KtyOct, extractable, usages); err != nil {
			return nil, err
		}
		if jwk.Alg != "" && jwk.Alg != jwkAlg(h) {
			return nil, cryptoerr.UnsupportedAlgorithmf("JWK algorithm %q does not match %q", jwk.Alg, jwkAlg(h))
		}
		if value, err = cryptoprov.DecodeSegment(jwk.K); err != nil {
			return nil, err
		}
	default:
		return nil, cryptoprov.FormatError(format, objects.KindSecret)
	}
	if len(value) == 0 {
		return nil, cryptoerr.Rangef("HMAC key data is empty")
	}

	bits := len(value) << 3
	if params.Length != 0 {
		if err = checkLength(params.Length); err != nil {
			return nil, err
		}
		if params.Length != bits {
			return nil, cryptoerr.Rangef("HMAC key length %d does not match the key data of %d bytes", params.Length, len(value))
		}
	}
	if err = checkUsages(usages); err != nil {
		return nil, err
	}

	defer metricskey.PerfCryptoOperation.MeasureSince(time.Now(), cryptoprov.AlgHMAC, "import")

	t, err := p.template(ctx, bits, extractable, usages, &params.KeyOptions)
	if err != nil {
		return nil, err
	}
	t.Set(pkcs11.CKA_VALUE, value)

	var handle pkcs11.ObjectHandle
	err = p.session.Do(ctx, func(m crypto11.Module, sh pkcs11.SessionHandle) error {
		var err error
		handle, err = m.CreateObject(sh, t.Attributes())
		return cryptoerr.Token("C_CreateObject", err)
	})
	if err != nil {
		return nil, err
	}

	return objects.NewKey(objects.NewObject(p.session, handle), objects.KindSecret,
		&objects.HmacKeyAlgorithm{Name: cryptoprov.AlgHMAC, Hash: oid.HashName[h], Length: bits},
		extractable, usages, t.ID), nil
}

// ExportKey exports HMAC key in raw or JWK format
func (p *Provider) ExportKey(ctx context.Context, format cryptoprov.KeyFormat, key *objects.Key) ([]byte, error) {
	alg, err := p.checkKeyType(key, "")
	if err != nil {
		return nil, err
	}
	if format != cryptoprov.FormatRaw && format != cryptoprov.FormatJWK {
		return nil, cryptoprov.FormatError(format, key.Kind())
	}
	if !key.Extractable() {
		return nil, cryptoerr.ErrNotExtractable
	}

	defer metricskey.PerfCryptoOperation.MeasureSince(time.Now(), cryptoprov.AlgHMAC, "export")

	value, err := key.Attribute(ctx, pkcs11.CKA_VALUE)
	if err != nil {
		return nil, err
	}
	if format == cryptoprov.FormatRaw {
		return value, nil
	}

	h, _, err := lookupHash(alg.Hash)
	if err != nil {
		return nil, err
	}
	ext := true
	jwk := &cryptoprov.JSONWebKey{
		Kty:    cryptoprov.KtyOct,
		K:      cryptoprov.EncodeSegment(value),
		Alg:    jwkAlg(h),
		Ext:    &ext,
		KeyOps: key.Usages(),
	}
	return jwk.Marshal()
}

// jwkAlg returns JWK alg, e.g. HS256
func jwkAlg(h crypto.Hash) string {
	return "HS" + strings.TrimPrefix(oid.HashName[h], "SHA-")
}

// mechanism returns CKM_ HMAC mechanism by the hash of the key
func (p *Provider) mechanism(alg *objects.HmacKeyAlgorithm) (uint, error) {
	_, info, err := lookupHash(alg.Hash)
	if err != nil {
		return 0, err
	}
	mech, ok := p.session.MechanismByName(info.mechanism)
	if !ok || !p.session.MechanismSupported(mech) {
		return 0, cryptoerr.UnsupportedAlgorithmf("token does not support %s", info.mechanism)
	}
	return mech, nil
}

// Sign returns HMAC of data
func (p *Provider) Sign(ctx context.Context, _ cryptoprov.Algorithm, key *objects.Key, data []byte) ([]byte, error) {
	alg, err := p.checkKeyType(key, objects.UsageSign)
	if err != nil {
		return nil, err
	}
	mech, err := p.mechanism(alg)
	if err != nil {
		return nil, err
	}

	defer metricskey.PerfCryptoOperation.MeasureSince(time.Now(), cryptoprov.AlgHMAC, "sign")

	var mac []byte
	err = key.Do(ctx, func(m crypto11.Module, sh pkcs11.SessionHandle) error {
		err := m.SignInit(sh, []*pkcs11.Mechanism{pkcs11.NewMechanism(mech, nil)}, key.Handle())
		if err != nil {
			return cryptoerr.Token("C_SignInit", err)
		}
		mac, err = m.Sign(sh, data)
		return cryptoerr.Token("C_Sign", err)
	})
	if err != nil {
		return nil, err
	}
	return mac, nil
}

// Verify returns false if the signature does not match HMAC of data
func (p *Provider) Verify(ctx context.Context, _ cryptoprov.Algorithm, key *objects.Key, signature, data []byte) (bool, error) {
	alg, err := p.checkKeyType(key, objects.UsageVerify)
	if err != nil {
		return false, err
	}
	mech, err := p.mechanism(alg)
	if err != nil {
		return false, err
	}

	defer metricskey.PerfCryptoOperation.MeasureSince(time.Now(), cryptoprov.AlgHMAC, "verify")

	err = key.Do(ctx, func(m crypto11.Module, sh pkcs11.SessionHandle) error {
		err := m.VerifyInit(sh, []*pkcs11.Mechanism{pkcs11.NewMechanism(mech, nil)}, key.Handle())
		if err != nil {
			return cryptoerr.Token("C_VerifyInit", err)
		}
		return cryptoerr.Token("C_Verify", m.Verify(sh, data, signature))
	})
	if err == nil {
		return true, nil
	}
	if cryptoerr.HasCode(err, pkcs11.CKR_SIGNATURE_INVALID) ||
		cryptoerr.HasCode(err, pkcs11.CKR_SIGNATURE_LEN_RANGE) {
		return false, nil
	}
	return false, err
}

// KeyLength returns the length in bits of HMAC key to derive
func (p *Provider) KeyLength(alg cryptoprov.Algorithm) (int, error) {
	var hash string
	var bits int
	switch params := alg.(type) {
	case *cryptoprov.HmacImportParams:
		hash, bits = params.Hash, params.Length
	case *cryptoprov.HmacKeyGenParams:
		hash, bits = params.Hash, params.Length
	default:
		return 0, cryptoerr.UnsupportedAlgorithmf("invalid HMAC parameters: %T", alg)
	}
	if bits == 0 {
		return DefaultLength(hash)
	}
	if _, _, err := lookupHash(hash); err != nil {
		return 0, err
	}
	if err := checkLength(bits); err != nil {
		return 0, err
	}
	return bits, nil
}
