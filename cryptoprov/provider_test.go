package cryptoprov_test

import (
	"crypto"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11crypto/cryptoerr"
	"github.com/effective-security/p11crypto/cryptoprov"
	"github.com/effective-security/p11crypto/objects"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlgorithmName(t *testing.T) {
	assert.Empty(t, cryptoprov.AlgorithmName(nil))
	assert.Equal(t, "SHA-1", cryptoprov.AlgorithmName(cryptoprov.NewAlgorithm("SHA-1")))

	label := "k1"
	params := &cryptoprov.EcKeyGenParams{
		Name:       "ECDSA",
		NamedCurve: "P-256",
		KeyOptions: cryptoprov.KeyOptions{Label: &label},
	}
	assert.Equal(t, "ECDSA", cryptoprov.AlgorithmName(params))
	assert.Equal(t, "k1", *params.Label)

	for _, alg := range []cryptoprov.Algorithm{
		&cryptoprov.EcKeyImportParams{Name: "ECDH"},
		&cryptoprov.EcdsaParams{Name: "ECDH"},
		&cryptoprov.EcdhKeyDeriveParams{Name: "ECDH"},
		&cryptoprov.HmacKeyGenParams{Name: "ECDH"},
		&cryptoprov.HmacImportParams{Name: "ECDH"},
	} {
		assert.Equal(t, "ECDH", alg.AlgorithmName())
	}
}

func TestLookupHash(t *testing.T) {
	h, err := cryptoprov.LookupHash("sha-384")
	require.NoError(t, err)
	assert.Equal(t, crypto.SHA384, h)

	_, err = cryptoprov.LookupHash("SHA3-256")
	require.Error(t, err)
	assert.True(t, errors.Is(err, cryptoerr.ErrUnsupportedAlgorithm))

	err = cryptoprov.FormatError(cryptoprov.FormatSPKI, objects.KindSecret)
	assert.True(t, errors.Is(err, cryptoerr.ErrUnsupportedAlgorithm))
	assert.Contains(t, err.Error(), `"spki"`)
}

func TestJWK(t *testing.T) {
	ext := true
	jwk := &cryptoprov.JSONWebKey{
		Kty:    cryptoprov.KtyOct,
		K:      cryptoprov.EncodeSegment([]byte{0xfb, 0xff, 0x01}),
		Alg:    "HS256",
		Ext:    &ext,
		KeyOps: []string{"sign", "verify"},
	}
	js, err := jwk.Marshal()
	require.NoError(t, err)
	assert.Equal(t, `{"kty":"oct","k":"-_8B","alg":"HS256","ext":true,"key_ops":["sign","verify"]}`, string(js))

	parsed, err := cryptoprov.ParseJWK(js)
	require.NoError(t, err)
	assert.Equal(t, jwk, parsed)

	k, err := cryptoprov.DecodeSegment(parsed.K)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xfb, 0xff, 0x01}, k)

	k, err = cryptoprov.DecodeSegment("AQ==")
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, k)

	_, err = cryptoprov.DecodeSegment("*")
	assert.True(t, errors.Is(err, cryptoerr.ErrUnsupportedAlgorithm))

	_, err = cryptoprov.ParseJWK([]byte("{"))
	assert.True(t, errors.Is(err, cryptoerr.ErrUnsupportedAlgorithm))
}

func TestCheckUsage(t *testing.T) {
	err := cryptoprov.CheckUsage(nil, objects.UsageSign)
	assert.True(t, errors.Is(err, cryptoerr.ErrKeyType))

	key := objects.NewKey(nil, objects.KindSecret, &objects.HmacKeyAlgorithm{Name: "HMAC"}, false,
		objects.Usages{objects.UsageSign}, nil)
	assert.NoError(t, cryptoprov.CheckUsage(key, objects.UsageSign))
	err = cryptoprov.CheckUsage(key, objects.UsageVerify)
	assert.True(t, errors.Is(err, cryptoerr.ErrKeyType))
}

func TestJWKCheckImport(t *testing.T) {
	ext := false
	jwk := &cryptoprov.JSONWebKey{Kty: cryptoprov.KtyOct, Ext: &ext, KeyOps: []string{"sign"}}

	assert.NoError(t, jwk.CheckImport(cryptoprov.KtyOct, false, objects.Usages{"sign"}))

	err := jwk.CheckImport(cryptoprov.KtyEC, false, nil)
	assert.True(t, errors.Is(err, cryptoerr.ErrUnsupportedAlgorithm))

	err = jwk.CheckImport(cryptoprov.KtyOct, true, nil)
	assert.True(t, errors.Is(err, cryptoerr.ErrKeyType))

	err = jwk.CheckImport(cryptoprov.KtyOct, false, objects.Usages{"sign", "verify"})
	assert.True(t, errors.Is(err, cryptoerr.ErrKeyType))

	jwk = &cryptoprov.JSONWebKey{Kty: cryptoprov.KtyOct}
	assert.NoError(t, jwk.CheckImport(cryptoprov.KtyOct, true, objects.Usages{"sign", "verify"}))
}
