package webcrypto_test

import (
	"context"
	"crypto/sha256"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11crypto/crypto11"
	"github.com/effective-security/p11crypto/cryptoerr"
	"github.com/effective-security/p11crypto/cryptoprov"
	"github.com/effective-security/p11crypto/internal/tokentest"
	"github.com/effective-security/p11crypto/objects"
	"github.com/effective-security/p11crypto/webcrypto"
	"github.com/miekg/pkcs11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const testPin = "1234"

type testSuite struct {
	suite.Suite

	ctx    context.Context
	token  *tokentest.Token
	crypto *webcrypto.Crypto
}

func TestWebCrypto(t *testing.T) {
	suite.Run(t, new(testSuite))
}

func newCrypto(t *testing.T, cfg *crypto11.TokenConfig, opts ...tokentest.Option) (*webcrypto.Crypto, *tokentest.Token) {
	token := tokentest.New(opts...)
	c, err := webcrypto.NewWithLoader(cfg, func(string) (crypto11.Module, error) {
		return token, nil
	})
	require.NoError(t, err)
	return c, token
}

func (s *testSuite) SetupTest() {
	s.ctx = context.Background()
	s.crypto, s.token = newCrypto(s.T(), &crypto11.TokenConfig{
		Path:      "tokentest",
		ReadWrite: true,
	})
}

func (s *testSuite) TearDownTest() {
	s.NoError(s.crypto.Close())
}

func (s *testSuite) ecKeyPair(name, curve string, usages ...string) *cryptoprov.KeyPair {
	kp, err := s.crypto.Subtle().GenerateKeyPair(s.ctx, &cryptoprov.EcKeyGenParams{
		Name:       name,
		NamedCurve: curve,
	}, false, usages)
	s.Require().NoError(err)
	return kp
}

func (s *testSuite) TestInfo() {
	info := s.crypto.Info()
	s.Require().NotNil(info)
	s.Equal(uint(tokentest.DefaultSlotID), info.Slot)
	s.Equal("tokentest", info.Path)
	s.True(info.ReadWrite)
	s.False(info.LoginRequired)

	s.False(s.crypto.IsLoginRequired())
	s.True(s.crypto.IsLoggedIn())
	s.True(s.crypto.IsReadWrite())

	s.NotNil(s.crypto.KeyStorage())
	s.NotNil(s.crypto.CertStorage())

	registered := s.crypto.Registry().Registered()
	for _, name := range []string{
		cryptoprov.AlgECDSA,
		cryptoprov.AlgECDH,
		cryptoprov.AlgHMAC,
		cryptoprov.AlgSHA1,
		cryptoprov.AlgSHA256,
		cryptoprov.AlgSHA512,
	} {
		s.Contains(registered, name)
	}
}

func (s *testSuite) TestLoginNotRequired() {
	calls := s.token.TotalCalls()
	s.NoError(s.crypto.Login(s.ctx, "any"))
	s.NoError(s.crypto.Logout(s.ctx))
	s.True(s.crypto.IsLoggedIn())
	s.Equal(calls, s.token.TotalCalls())
}

func (s *testSuite) TestGetRandomValues() {
	b, err := s.crypto.GetRandomValues(s.ctx, 32)
	s.Require().NoError(err)
	s.Len(b, 32)

	b, err = s.crypto.GetRandomValues(s.ctx, 65536)
	s.Require().NoError(err)
	s.Len(b, 65536)

	calls := s.token.TotalCalls()
	_, err = s.crypto.GetRandomValues(s.ctx, 65537)
	s.True(errors.Is(err, cryptoerr.ErrRange))
	s.Equal(calls, s.token.TotalCalls())
}

func (s *testSuite) TestEcdsaSignVerify() {
	subtle := s.crypto.Subtle()
	kp := s.ecKeyPair(cryptoprov.AlgECDSA, "P-256", objects.UsageSign, objects.UsageVerify)

	alg := &cryptoprov.EcdsaParams{Name: cryptoprov.AlgECDSA, Hash: cryptoprov.AlgSHA256}
	data := []byte("test message")

	sig, err := subtle.Sign(s.ctx, alg, kp.PrivateKey, data)
	s.Require().NoError(err)
	s.Len(sig, 64)

	ok, err := subtle.Verify(s.ctx, alg, kp.PublicKey, sig, data)
	s.Require().NoError(err)
	s.True(ok)

	data[0] ^= 0xff
	ok, err = subtle.Verify(s.ctx, alg, kp.PublicKey, sig, data)
	s.Require().NoError(err)
	s.False(ok)

	spki, err := subtle.ExportKey(s.ctx, cryptoprov.FormatSPKI, kp.PublicKey)
	s.Require().NoError(err)
	pub, err := subtle.ImportKey(s.ctx, cryptoprov.FormatSPKI, spki, &cryptoprov.EcKeyImportParams{
		Name:       cryptoprov.AlgECDSA,
		NamedCurve: "P-256",
	}, true, objects.Usages{objects.UsageVerify})
	s.Require().NoError(err)

	data[0] ^= 0xff
	ok, err = subtle.Verify(s.ctx, alg, pub, sig, data)
	s.Require().NoError(err)
	s.True(ok)
}

func (s *testSuite) TestSignWithWrongKey() {
	subtle := s.crypto.Subtle()
	key, err := subtle.GenerateKey(s.ctx, &cryptoprov.HmacKeyGenParams{
		Name: cryptoprov.AlgHMAC,
		Hash: cryptoprov.AlgSHA256,
	}, false, objects.Usages{objects.UsageSign})
	s.Require().NoError(err)

	calls := s.token.TotalCalls()
	_, err = subtle.Sign(s.ctx, &cryptoprov.EcdsaParams{Name: cryptoprov.AlgECDSA, Hash: cryptoprov.AlgSHA256}, key, []byte("data"))
	s.True(errors.Is(err, cryptoerr.ErrKeyType))
	s.Equal(calls, s.token.TotalCalls())
}

func (s *testSuite) TestHmac() {
	subtle := s.crypto.Subtle()
	for hash, bits := range map[string]int{
		cryptoprov.AlgSHA1:   160,
		cryptoprov.AlgSHA256: 256,
		cryptoprov.AlgSHA384: 384,
		cryptoprov.AlgSHA512: 512,
	} {
		key, err := subtle.GenerateKey(s.ctx, &cryptoprov.HmacKeyGenParams{
			Name: cryptoprov.AlgHMAC,
			Hash: hash,
		}, true, objects.Usages{objects.UsageSign, objects.UsageVerify})
		s.Require().NoError(err)

		alg, ok := key.Algorithm().(*objects.HmacKeyAlgorithm)
		s.Require().True(ok)
		s.Equal(bits, alg.Length, hash)
		s.Equal(hash, alg.Hash)

		raw, err := subtle.ExportKey(s.ctx, cryptoprov.FormatRaw, key)
		s.Require().NoError(err)
		s.Len(raw, bits/8)

		sig, err := subtle.Sign(s.ctx, cryptoprov.NewAlgorithm(cryptoprov.AlgHMAC), key, []byte("data"))
		s.Require().NoError(err)
		ok, err = subtle.Verify(s.ctx, cryptoprov.NewAlgorithm(cryptoprov.AlgHMAC), key, sig, []byte("data"))
		s.Require().NoError(err)
		s.True(ok)
	}
}

func (s *testSuite) TestHmacImportOptions() {
	yes := true
	label := "imported"
	key, err := s.crypto.Subtle().ImportKey(s.ctx, cryptoprov.FormatRaw, make([]byte, 32), &cryptoprov.HmacImportParams{
		Name: cryptoprov.AlgHMAC,
		Hash: cryptoprov.AlgSHA256,
		KeyOptions: cryptoprov.KeyOptions{
			Token:     &yes,
			Sensitive: &yes,
			Label:     &label,
		},
	}, false, objects.Usages{objects.UsageSign})
	s.Require().NoError(err)

	s.True(key.IsToken(s.ctx))
	s.True(key.IsSensitive(s.ctx))
	s.Equal(label, key.Label(s.ctx))

	id, err := s.crypto.KeyStorage().IndexOf(s.ctx, key)
	s.Require().NoError(err)
	s.NotEmpty(id)
}

func (s *testSuite) TestDeriveKey() {
	subtle := s.crypto.Subtle()
	usages := []string{objects.UsageDeriveKey, objects.UsageDeriveBits}
	alice := s.ecKeyPair(cryptoprov.AlgECDH, "P-256", usages...)
	bob := s.ecKeyPair(cryptoprov.AlgECDH, "P-256", usages...)

	derivedType := &cryptoprov.HmacKeyGenParams{
		Name: cryptoprov.AlgHMAC,
		Hash: cryptoprov.AlgSHA256,
	}
	k1, err := subtle.DeriveKey(s.ctx,
		&cryptoprov.EcdhKeyDeriveParams{Name: cryptoprov.AlgECDH, Public: bob.PublicKey},
		alice.PrivateKey, derivedType, true, objects.Usages{objects.UsageSign, objects.UsageVerify})
	s.Require().NoError(err)
	k2, err := subtle.DeriveKey(s.ctx,
		&cryptoprov.EcdhKeyDeriveParams{Name: cryptoprov.AlgECDH, Public: alice.PublicKey},
		bob.PrivateKey, derivedType, true, objects.Usages{objects.UsageSign, objects.UsageVerify})
	s.Require().NoError(err)

	alg, ok := k1.Algorithm().(*objects.HmacKeyAlgorithm)
	s.Require().True(ok)
	s.Equal(256, alg.Length)
	s.Equal(objects.KindSecret, k1.Kind())

	raw1, err := subtle.ExportKey(s.ctx, cryptoprov.FormatRaw, k1)
	s.Require().NoError(err)
	raw2, err := subtle.ExportKey(s.ctx, cryptoprov.FormatRaw, k2)
	s.Require().NoError(err)
	s.Equal(raw1, raw2)

	bits, err := subtle.DeriveBits(s.ctx,
		&cryptoprov.EcdhKeyDeriveParams{Name: cryptoprov.AlgECDH, Public: bob.PublicKey},
		alice.PrivateKey, 0)
	s.Require().NoError(err)
	s.Equal(raw1, bits)

	// SHA-512 requires more bits than P-256 provides
	_, err = subtle.DeriveKey(s.ctx,
		&cryptoprov.EcdhKeyDeriveParams{Name: cryptoprov.AlgECDH, Public: bob.PublicKey},
		alice.PrivateKey, &cryptoprov.HmacKeyGenParams{Name: cryptoprov.AlgHMAC, Hash: cryptoprov.AlgSHA512},
		true, objects.Usages{objects.UsageSign})
	s.True(errors.Is(err, cryptoerr.ErrRange))

	_, err = subtle.DeriveKey(s.ctx,
		&cryptoprov.EcdhKeyDeriveParams{Name: cryptoprov.AlgECDH, Public: bob.PublicKey},
		alice.PrivateKey, cryptoprov.NewAlgorithm(cryptoprov.AlgSHA256),
		true, objects.Usages{objects.UsageSign})
	s.True(errors.Is(err, cryptoerr.ErrUnsupportedAlgorithm))
}

func (s *testSuite) TestDigest() {
	data := []byte("digest me")
	expected := sha256.Sum256(data)

	digest, err := s.crypto.Subtle().Digest(s.ctx, cryptoprov.NewAlgorithm("sha-256"), data)
	s.Require().NoError(err)
	s.Equal(expected[:], digest)
}

func (s *testSuite) TestUnsupported() {
	subtle := s.crypto.Subtle()
	kp := s.ecKeyPair(cryptoprov.AlgECDSA, "P-256", objects.UsageSign, objects.UsageVerify)

	calls := s.token.TotalCalls()

	_, err := subtle.Sign(s.ctx, cryptoprov.NewAlgorithm("RSA-PSS"), kp.PrivateKey, []byte("data"))
	s.True(errors.Is(err, cryptoerr.ErrUnsupportedAlgorithm))

	_, err = subtle.Sign(s.ctx, nil, kp.PrivateKey, []byte("data"))
	s.True(errors.Is(err, cryptoerr.ErrUnsupportedAlgorithm))

	_, err = subtle.Digest(s.ctx, cryptoprov.NewAlgorithm(cryptoprov.AlgECDSA), []byte("data"))
	s.True(errors.Is(err, cryptoerr.ErrUnsupportedAlgorithm))

	_, err = subtle.GenerateKey(s.ctx, &cryptoprov.EcKeyGenParams{Name: cryptoprov.AlgECDSA, NamedCurve: "P-256"},
		false, objects.Usages{objects.UsageSign})
	s.True(errors.Is(err, cryptoerr.ErrUnsupportedAlgorithm))

	_, err = subtle.WrapKey(s.ctx, cryptoprov.FormatSPKI, kp.PublicKey, kp.PublicKey, cryptoprov.NewAlgorithm(cryptoprov.AlgHMAC))
	s.True(errors.Is(err, cryptoerr.ErrUnsupportedAlgorithm))

	_, err = subtle.UnwrapKey(s.ctx, cryptoprov.FormatSPKI, []byte("wrapped"), kp.PrivateKey,
		cryptoprov.NewAlgorithm(cryptoprov.AlgECDSA),
		&cryptoprov.EcKeyImportParams{Name: cryptoprov.AlgECDSA, NamedCurve: "P-256"},
		true, objects.Usages{objects.UsageVerify})
	s.True(errors.Is(err, cryptoerr.ErrUnsupportedAlgorithm))

	_, err = subtle.ExportKey(s.ctx, cryptoprov.FormatSPKI, nil)
	s.True(errors.Is(err, cryptoerr.ErrKeyType))

	s.Equal(calls, s.token.TotalCalls())
}

func (s *testSuite) TestStorages() {
	yes := true
	kp, err := s.crypto.Subtle().GenerateKeyPair(s.ctx, &cryptoprov.EcKeyGenParams{
		Name:       cryptoprov.AlgECDSA,
		NamedCurve: "P-384",
		KeyOptions: cryptoprov.KeyOptions{Token: &yes},
	}, false, objects.Usages{objects.UsageSign, objects.UsageVerify})
	s.Require().NoError(err)

	keys := s.crypto.KeyStorage()
	id, err := keys.IndexOf(s.ctx, kp.PrivateKey)
	s.Require().NoError(err)

	key, err := keys.GetItem(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(kp.PrivateKey.Handle(), key.Handle())

	sig, err := s.crypto.Subtle().Sign(s.ctx, &cryptoprov.EcdsaParams{Name: cryptoprov.AlgECDSA, Hash: cryptoprov.AlgSHA384}, key, []byte("data"))
	s.Require().NoError(err)
	s.Len(sig, 96)
}

func (s *testSuite) TestReset() {
	kp := s.ecKeyPair(cryptoprov.AlgECDSA, "P-256", objects.UsageSign, objects.UsageVerify)
	s.Require().NoError(s.crypto.Reset(s.ctx))

	_, err := s.crypto.Subtle().Sign(s.ctx, &cryptoprov.EcdsaParams{Name: cryptoprov.AlgECDSA, Hash: cryptoprov.AlgSHA256}, kp.PrivateKey, []byte("data"))
	s.True(errors.Is(err, cryptoerr.ErrStaleObject))
}

func TestLoginRequired(t *testing.T) {
	ctx := context.Background()
	c, token := newCrypto(t, &crypto11.TokenConfig{Path: "tokentest"}, tokentest.WithPin(testPin))
	defer c.Close()

	assert.True(t, c.IsLoginRequired())
	assert.False(t, c.IsLoggedIn())
	assert.False(t, c.IsReadWrite())

	err := c.Login(ctx, "wrong")
	assert.True(t, cryptoerr.HasCode(err, pkcs11.CKR_PIN_INCORRECT))

	require.NoError(t, c.Login(ctx, testPin))
	require.NoError(t, c.Login(ctx, testPin))
	assert.True(t, c.IsLoggedIn())
	assert.True(t, token.IsLoggedIn())

	require.NoError(t, c.Logout(ctx))
	assert.False(t, c.IsLoggedIn())
	assert.False(t, token.IsLoggedIn())
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	c, token := newCrypto(t, &crypto11.TokenConfig{Path: "tokentest"})

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.True(t, token.IsDestroyed())

	_, err := c.GetRandomValues(ctx, 16)
	assert.True(t, errors.Is(err, cryptoerr.ErrClosed))
}

func TestNewFailed(t *testing.T) {
	_, err := webcrypto.NewWithLoader(&crypto11.TokenConfig{Path: "tokentest", Slot: 5}, func(string) (crypto11.Module, error) {
		return tokentest.New(), nil
	})
	require.Error(t, err)

	_, err = webcrypto.Load("testdata/missing.yaml")
	require.Error(t, err)
}
