package eccrypto

import (
	"context"
	"crypto"
	_ "crypto/sha1" // register hash
	_ "crypto/sha256"
	_ "crypto/sha512"
	"time"

	"github.com/effective-security/p11crypto/crypto11"
	"github.com/effective-security/p11crypto/cryptoerr"
	"github.com/effective-security/p11crypto/cryptoprov"
	"github.com/effective-security/p11crypto/metricskey"
	"github.com/effective-security/p11crypto/objects"
	"github.com/effective-security/xlog"
	"github.com/miekg/pkcs11"
)

// ecdsaMechanisms maps the hash to the name of ECDSA mechanism
// that hashes the data on the token
var ecdsaMechanisms = map[crypto.Hash]string{
	crypto.SHA1:   "ECDSA_SHA1",
	crypto.SHA224: "ECDSA_SHA224",
	crypto.SHA256: "ECDSA_SHA256",
	crypto.SHA384: "ECDSA_SHA384",
	crypto.SHA512: "ECDSA_SHA512",
}

// EcdsaProvider implements ECDSA
type EcdsaProvider struct {
	ecBase
}

// NewEcdsaProvider returns ECDSA provider over the session
func NewEcdsaProvider(s cryptoprov.Session) *EcdsaProvider {
	return &EcdsaProvider{
		ecBase: ecBase{
			name:          cryptoprov.AlgECDSA,
			session:       s,
			publicUsages:  []string{objects.UsageVerify},
			privateUsages: []string{objects.UsageSign},
		},
	}
}

// Name returns ECDSA
func (p *EcdsaProvider) Name() string {
	return p.name
}

// CheckKeyType returns KeyType error if the key is not ECDSA key,
// or does not allow the usage
func (p *EcdsaProvider) CheckKeyType(key *objects.Key, usage string) error {
	_, err := p.checkKeyType(key, usage)
	return err
}

// GenerateKeyPair generates ECDSA key pair
func (p *EcdsaProvider) GenerateKeyPair(ctx context.Context, alg cryptoprov.Algorithm, extractable bool, usages objects.Usages) (*cryptoprov.KeyPair, error) {
	defer metricskey.PerfCryptoOperation.MeasureSince(time.Now(), p.name, "generate")
	return p.generateKeyPair(ctx, alg, extractable, usages)
}

// ImportKey imports ECDSA key
func (p *EcdsaProvider) ImportKey(ctx context.Context, format cryptoprov.KeyFormat, data []byte, alg cryptoprov.Algorithm, extractable bool, usages objects.Usages) (*objects.Key, error) {
	defer metricskey.PerfCryptoOperation.MeasureSince(time.Now(), p.name, "import")
	return p.importKey(ctx, format, data, alg, extractable, usages)
}

// ExportKey exports ECDSA key
func (p *EcdsaProvider) ExportKey(ctx context.Context, format cryptoprov.KeyFormat, key *objects.Key) ([]byte, error) {
	defer metricskey.PerfCryptoOperation.MeasureSince(time.Now(), p.name, "export")
	return p.exportKey(ctx, format, key)
}

// mechanism returns the signature mechanism for the hash,
// and the digest of data, if the token does not support
// the hashing mechanism
func (p *EcdsaProvider) mechanism(alg cryptoprov.Algorithm, data []byte) (uint, []byte, error) {
	params, ok := alg.(*cryptoprov.EcdsaParams)
	if !ok {
		return 0, nil, cryptoerr.UnsupportedAlgorithmf("invalid ECDSA parameters: %T", alg)
	}
	h, err := cryptoprov.LookupHash(params.Hash)
	if err != nil {
		return 0, nil, err
	}
	if mech, ok := p.session.MechanismByName(ecdsaMechanisms[h]); ok && p.session.MechanismSupported(mech) {
		return mech, data, nil
	}
	if !p.session.MechanismSupported(pkcs11.CKM_ECDSA) {
		return 0, nil, cryptoerr.UnsupportedAlgorithmf("token does not support ECDSA with %s", params.Hash)
	}

	logger.KV(xlog.DEBUG, "reason", "digest_fallback", "hash", params.Hash)
	hf := h.New()
	hf.Write(data)
	return pkcs11.CKM_ECDSA, hf.Sum(nil), nil
}

// Sign returns the signature as r||s
func (p *EcdsaProvider) Sign(ctx context.Context, alg cryptoprov.Algorithm, key *objects.Key, data []byte) ([]byte, error) {
	if _, err := p.checkKeyType(key, objects.UsageSign); err != nil {
		return nil, err
	}
	if err := checkKind(key, objects.KindPrivate); err != nil {
		return nil, err
	}
	mech, tbs, err := p.mechanism(alg, data)
	if err != nil {
		return nil, err
	}

	defer metricskey.PerfCryptoOperation.MeasureSince(time.Now(), p.name, "sign")

	var sig []byte
	err = key.Do(ctx, func(m crypto11.Module, sh pkcs11.SessionHandle) error {
		err := m.SignInit(sh, []*pkcs11.Mechanism{pkcs11.NewMechanism(mech, nil)}, key.Handle())
		if err != nil {
			return cryptoerr.Token("C_SignInit", err)
		}
		sig, err = m.Sign(sh, tbs)
		return cryptoerr.Token("C_Sign", err)
	})
	if err != nil {
		return nil, err
	}
	return sig, nil
}

// Verify returns false if the signature does not match
func (p *EcdsaProvider) Verify(ctx context.Context, alg cryptoprov.Algorithm, key *objects.Key, signature, data []byte) (bool, error) {
	if _, err := p.checkKeyType(key, objects.UsageVerify); err != nil {
		return false, err
	}
	if err := checkKind(key, objects.KindPublic); err != nil {
		return false, err
	}
	mech, tbs, err := p.mechanism(alg, data)
	if err != nil {
		return false, err
	}

	defer metricskey.PerfCryptoOperation.MeasureSince(time.Now(), p.name, "verify")

	err = key.Do(ctx, func(m crypto11.Module, sh pkcs11.SessionHandle) error {
		err := m.VerifyInit(sh, []*pkcs11.Mechanism{pkcs11.NewMechanism(mech, nil)}, key.Handle())
		if err != nil {
			return cryptoerr.Token("C_VerifyInit", err)
		}
		return cryptoerr.Token("C_Verify", m.Verify(sh, tbs, signature))
	})
	return verified(err)
}

// verified converts the result of C_Verify
func verified(err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	if cryptoerr.HasCode(err, pkcs11.CKR_SIGNATURE_INVALID) ||
		cryptoerr.HasCode(err, pkcs11.CKR_SIGNATURE_LEN_RANGE) {
		return false, nil
	}
	return false, err
}
