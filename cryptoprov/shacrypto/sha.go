// Package shacrypto implements SHA-1 and SHA-2 digests on the token
package shacrypto

import (
	"context"
	"strings"
	"time"

	"github.com/effective-security/p11crypto/crypto11"
	"github.com/effective-security/p11crypto/cryptoerr"
	"github.com/effective-security/p11crypto/cryptoprov"
	"github.com/effective-security/p11crypto/metricskey"
	"github.com/effective-security/p11crypto/objects"
	"github.com/miekg/pkcs11"
)

// mechanisms maps the digest name to CKM_ mechanism name
var mechanisms = map[string]string{
	cryptoprov.AlgSHA1:   "SHA_1",
	cryptoprov.AlgSHA224: "SHA224",
	cryptoprov.AlgSHA256: "SHA256",
	cryptoprov.AlgSHA384: "SHA384",
	cryptoprov.AlgSHA512: "SHA512",
}

// Names lists the supported digests
var Names = []string{
	cryptoprov.AlgSHA1,
	cryptoprov.AlgSHA224,
	cryptoprov.AlgSHA256,
	cryptoprov.AlgSHA384,
	cryptoprov.AlgSHA512,
}

// Provider computes the digest
type Provider struct {
	name      string
	mechanism string
	session   cryptoprov.Session
}

// NewProvider returns the digest provider by name, e.g. SHA-256
func NewProvider(s cryptoprov.Session, name string) (*Provider, error) {
	for n, mech := range mechanisms {
		if strings.EqualFold(n, strings.TrimSpace(name)) {
			return &Provider{name: n, mechanism: mech, session: s}, nil
		}
	}
	return nil, cryptoerr.UnsupportedAlgorithmf("unsupported digest: %q", name)
}

// Providers returns providers of all supported digests
func Providers(s cryptoprov.Session) []cryptoprov.Provider {
	list := make([]cryptoprov.Provider, 0, len(Names))
	for _, name := range Names {
		list = append(list, &Provider{name: name, mechanism: mechanisms[name], session: s})
	}
	return list
}

// Name returns the digest name
func (p *Provider) Name() string {
	return p.name
}

// CheckKeyType returns KeyType error, the digest does not use keys
func (p *Provider) CheckKeyType(_ *objects.Key, _ string) error {
	return cryptoerr.KeyTypef("%s does not use keys", p.name)
}

// Digest returns the digest of data
func (p *Provider) Digest(ctx context.Context, alg cryptoprov.Algorithm, data []byte) ([]byte, error) {
	if name := cryptoprov.AlgorithmName(alg); name != "" && !strings.EqualFold(name, p.name) {
		return nil, cryptoerr.UnsupportedAlgorithmf("invalid %s algorithm: %s", p.name, name)
	}
	mech, ok := p.session.MechanismByName(p.mechanism)
	if !ok || !p.session.MechanismSupported(mech) {
		return nil, cryptoerr.UnsupportedAlgorithmf("token does not support %s", p.name)
	}

	defer metricskey.PerfCryptoOperation.MeasureSince(time.Now(), p.name, "digest")

	var digest []byte
	err := p.session.Do(ctx, func(m crypto11.Module, sh pkcs11.SessionHandle) error {
		if err := m.DigestInit(sh, []*pkcs11.Mechanism{pkcs11.NewMechanism(mech, nil)}); err != nil {
			return cryptoerr.Token("C_DigestInit", err)
		}
		var err error
		digest, err = m.Digest(sh, data)
		return cryptoerr.Token("C_Digest", err)
	})
	if err != nil {
		return nil, err
	}
	return digest, nil
}
