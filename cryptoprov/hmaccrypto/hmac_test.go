package hmaccrypto_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"strconv"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11crypto/crypto11"
	"github.com/effective-security/p11crypto/cryptoerr"
	"github.com/effective-security/p11crypto/cryptoprov"
	"github.com/effective-security/p11crypto/cryptoprov/hmaccrypto"
	"github.com/effective-security/p11crypto/internal/tokentest"
	"github.com/effective-security/p11crypto/objects"
	"github.com/miekg/pkcs11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLib(t *testing.T, opts ...tokentest.Option) (*crypto11.PKCS11Lib, *tokentest.Token) {
	token := tokentest.New(opts...)
	lib, err := crypto11.InitWithLoader(&crypto11.TokenConfig{
		Path:      "tokentest",
		ReadWrite: true,
	}, func(string) (crypto11.Module, error) {
		return token, nil
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = lib.Close()
	})
	return lib, token
}

var signVerify = objects.Usages{objects.UsageSign, objects.UsageVerify}

func TestGenerateKey(t *testing.T) {
	ctx := context.Background()
	lib, token := newLib(t)
	p := hmaccrypto.NewProvider(lib)
	assert.Equal(t, "HMAC", p.Name())

	for hash, bits := range map[string]int{
		"SHA-1":   160,
		"SHA-224": 224,
		"SHA-256": 256,
		"SHA-384": 384,
		"SHA-512": 512,
	} {
		t.Run(hash, func(t *testing.T) {
			l, err := hmaccrypto.DefaultLength(hash)
			require.NoError(t, err)
			assert.Equal(t, bits, l)

			key, err := p.GenerateKey(ctx, &cryptoprov.HmacKeyGenParams{Name: "HMAC", Hash: hash}, true, signVerify)
			require.NoError(t, err)
			assert.Equal(t, objects.KindSecret, key.Kind())
			assert.Equal(t, &objects.HmacKeyAlgorithm{Name: "HMAC", Hash: hash, Length: bits}, key.Algorithm())
			assert.Len(t, key.RawID(), objects.IDSize)

			val, ok := token.Attribute(key.Handle(), pkcs11.CKA_VALUE)
			require.True(t, ok)
			assert.Len(t, val, bits/8)

			label, ok := token.Attribute(key.Handle(), pkcs11.CKA_LABEL)
			require.True(t, ok)
			assert.Equal(t, "HMAC-"+strconv.Itoa(bits), string(label))

			id, ok := token.Attribute(key.Handle(), pkcs11.CKA_ID)
			require.True(t, ok)
			assert.Equal(t, key.RawID(), id)

			data := []byte("message")
			mac, err := p.Sign(ctx, cryptoprov.NewAlgorithm("HMAC"), key, data)
			require.NoError(t, err)

			ok, err = p.Verify(ctx, cryptoprov.NewAlgorithm("HMAC"), key, mac, data)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = p.Verify(ctx, cryptoprov.NewAlgorithm("HMAC"), key, mac, []byte("tampered"))
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestGenerateKeyOptions(t *testing.T) {
	ctx := context.Background()
	lib, token := newLib(t)
	p := hmaccrypto.NewProvider(lib)

	label := "my mac key"
	yes := true
	key, err := p.GenerateKey(ctx, &cryptoprov.HmacKeyGenParams{
		Name:   "HMAC",
		Hash:   "SHA-256",
		Length: 128,
		KeyOptions: cryptoprov.KeyOptions{
			Label:     &label,
			Sensitive: &yes,
			Token:     &yes,
		},
	}, false, objects.Usages{objects.UsageSign})
	require.NoError(t, err)
	assert.Equal(t, objects.Usages{objects.UsageSign}, key.Usages())
	assert.False(t, key.Extractable())

	assert.Equal(t, label, key.Label(ctx))
	assert.True(t, key.IsToken(ctx))
	assert.True(t, key.IsSensitive(ctx))

	val, ok := token.Attribute(key.Handle(), pkcs11.CKA_VALUE)
	require.True(t, ok)
	assert.Len(t, val, 16)

	_, err = p.ExportKey(ctx, cryptoprov.FormatRaw, key)
	assert.True(t, errors.Is(err, cryptoerr.ErrNotExtractable))

	_, err = p.Verify(ctx, nil, key, []byte("mac"), []byte("data"))
	assert.True(t, errors.Is(err, cryptoerr.ErrKeyType), "verify usage is not allowed")
}

func TestImportExport(t *testing.T) {
	ctx := context.Background()
	lib, token := newLib(t)
	p := hmaccrypto.NewProvider(lib)

	secret := []byte("0123456789abcdef0123456789abcdef")
	label := "imported"
	no := false
	key, err := p.ImportKey(ctx, cryptoprov.FormatRaw, secret, &cryptoprov.HmacImportParams{
		Name: "HMAC",
		Hash: "SHA-256",
		KeyOptions: cryptoprov.KeyOptions{
			Label:     &label,
			Sensitive: &no,
			Token:     &no,
		},
	}, true, signVerify)
	require.NoError(t, err)
	assert.Equal(t, &objects.HmacKeyAlgorithm{Name: "HMAC", Hash: "SHA-256", Length: 256}, key.Algorithm())
	assert.Equal(t, label, key.Label(ctx))
	assert.False(t, key.IsToken(ctx))
	assert.False(t, key.IsSensitive(ctx))

	val, ok := token.Attribute(key.Handle(), pkcs11.CKA_VALUE)
	require.True(t, ok)
	assert.Equal(t, secret, val)

	data := []byte("message")
	mac, err := p.Sign(ctx, nil, key, data)
	require.NoError(t, err)
	h := hmac.New(sha256.New, secret)
	h.Write(data)
	assert.Equal(t, h.Sum(nil), mac)

	raw, err := p.ExportKey(ctx, cryptoprov.FormatRaw, key)
	require.NoError(t, err)
	assert.Equal(t, secret, raw)

	js, err := p.ExportKey(ctx, cryptoprov.FormatJWK, key)
	require.NoError(t, err)
	jwk, err := cryptoprov.ParseJWK(js)
	require.NoError(t, err)
	assert.Equal(t, cryptoprov.KtyOct, jwk.Kty)
	assert.Equal(t, "HS256", jwk.Alg)
	require.NotNil(t, jwk.Ext)
	assert.True(t, *jwk.Ext)
	assert.Equal(t, []string{"sign", "verify"}, jwk.KeyOps)
	assert.Equal(t, cryptoprov.EncodeSegment(secret), jwk.K)

	fromJWK, err := p.ImportKey(ctx, cryptoprov.FormatJWK, js, &cryptoprov.HmacImportParams{
		Name: "HMAC",
		Hash: "SHA-256",
	}, true, objects.Usages{objects.UsageVerify})
	require.NoError(t, err)
	assert.NotEqual(t, key.RawID(), fromJWK.RawID())

	ok, err = p.Verify(ctx, nil, fromJWK, mac, data)
	require.NoError(t, err)
	assert.True(t, ok)

	raw, err = p.ExportKey(ctx, cryptoprov.FormatRaw, fromJWK)
	require.NoError(t, err)
	assert.Equal(t, secret, raw)

	_, err = p.ExportKey(ctx, cryptoprov.FormatSPKI, key)
	assert.True(t, errors.Is(err, cryptoerr.ErrUnsupportedAlgorithm))
}

func TestImportErrors(t *testing.T) {
	ctx := context.Background()
	lib, token := newLib(t)
	p := hmaccrypto.NewProvider(lib)

	params := &cryptoprov.HmacImportParams{Name: "HMAC", Hash: "SHA-256"}
	calls := token.TotalCalls()

	_, err := p.ImportKey(ctx, cryptoprov.FormatPKCS8, []byte{1}, params, true, signVerify)
	assert.True(t, errors.Is(err, cryptoerr.ErrUnsupportedAlgorithm))

	_, err = p.ImportKey(ctx, cryptoprov.FormatRaw, []byte{}, params, true, signVerify)
	assert.True(t, errors.Is(err, cryptoerr.ErrRange))

	_, err = p.ImportKey(ctx, cryptoprov.FormatRaw, []byte{1, 2}, &cryptoprov.HmacImportParams{
		Name:   "HMAC",
		Hash:   "SHA-256",
		Length: 24,
	}, true, signVerify)
	assert.True(t, errors.Is(err, cryptoerr.ErrRange))

	key32 := make([]byte, 32)
	for _, l := range []int{255, 250, 249, -8, 264} {
		_, err = p.ImportKey(ctx, cryptoprov.FormatRaw, key32, &cryptoprov.HmacImportParams{
			Name:   "HMAC",
			Hash:   "SHA-256",
			Length: l,
		}, true, signVerify)
		assert.True(t, errors.Is(err, cryptoerr.ErrRange), "length %d", l)
	}

	_, err = p.ImportKey(ctx, cryptoprov.FormatRaw, []byte{1, 2}, params, true, objects.Usages{objects.UsageDeriveBits})
	assert.True(t, errors.Is(err, cryptoerr.ErrKeyType))

	_, err = p.ImportKey(ctx, cryptoprov.FormatJWK, []byte(`{"kty":"oct","k":"AQI","alg":"HS512"}`), params, true, signVerify)
	assert.True(t, errors.Is(err, cryptoerr.ErrUnsupportedAlgorithm))

	_, err = p.ImportKey(ctx, cryptoprov.FormatJWK, []byte(`{"kty":"oct","k":"AQI","key_ops":["sign"]}`), params, true, signVerify)
	assert.True(t, errors.Is(err, cryptoerr.ErrKeyType))

	_, err = p.ImportKey(ctx, cryptoprov.FormatRaw, []byte{1, 2}, &cryptoprov.HmacImportParams{Name: "HMAC", Hash: "MD5"}, true, signVerify)
	assert.True(t, errors.Is(err, cryptoerr.ErrUnsupportedAlgorithm))

	_, err = p.ImportKey(ctx, cryptoprov.FormatRaw, []byte{1, 2}, cryptoprov.NewAlgorithm("HMAC"), true, signVerify)
	assert.True(t, errors.Is(err, cryptoerr.ErrUnsupportedAlgorithm))

	_, err = p.GenerateKey(ctx, &cryptoprov.HmacKeyGenParams{Name: "HMAC", Hash: "SHA-256", Length: 12}, true, signVerify)
	assert.True(t, errors.Is(err, cryptoerr.ErrRange))

	_, err = p.GenerateKey(ctx, &cryptoprov.HmacKeyGenParams{Name: "HMAC", Hash: "SHA-256"}, true, nil)
	assert.True(t, errors.Is(err, cryptoerr.ErrKeyType))

	assert.Equal(t, calls, token.TotalCalls(), "no token calls expected")
}

func TestKeyType(t *testing.T) {
	ctx := context.Background()
	lib, token := newLib(t)
	p := hmaccrypto.NewProvider(lib)

	ecKey := objects.NewKey(nil, objects.KindPrivate,
		&objects.EcKeyAlgorithm{Name: "ECDSA", NamedCurve: "P-256"},
		false, objects.Usages{objects.UsageSign}, nil)

	calls := token.TotalCalls()
	_, err := p.Sign(ctx, nil, ecKey, []byte("data"))
	assert.True(t, errors.Is(err, cryptoerr.ErrKeyType))
	_, err = p.ExportKey(ctx, cryptoprov.FormatRaw, ecKey)
	assert.True(t, errors.Is(err, cryptoerr.ErrKeyType))
	assert.True(t, errors.Is(p.CheckKeyType(nil, ""), cryptoerr.ErrKeyType))
	assert.Equal(t, calls, token.TotalCalls())
}

func TestMechanismNotSupported(t *testing.T) {
	ctx := context.Background()
	lib, token := newLib(t, tokentest.WithoutMechanisms(pkcs11.CKM_SHA384_HMAC))
	p := hmaccrypto.NewProvider(lib)

	key, err := p.ImportKey(ctx, cryptoprov.FormatRaw, []byte("secret"), &cryptoprov.HmacImportParams{
		Name: "HMAC",
		Hash: "SHA-384",
	}, true, signVerify)
	require.NoError(t, err)
	assert.Equal(t, 48, key.Algorithm().(*objects.HmacKeyAlgorithm).Length)

	calls := token.TotalCalls()
	_, err = p.Sign(ctx, nil, key, []byte("data"))
	assert.True(t, errors.Is(err, cryptoerr.ErrUnsupportedAlgorithm))
	assert.Equal(t, calls, token.TotalCalls())
}

func TestKeyLength(t *testing.T) {
	p := hmaccrypto.NewProvider(nil)

	l, err := p.KeyLength(&cryptoprov.HmacImportParams{Name: "HMAC", Hash: "SHA-384"})
	require.NoError(t, err)
	assert.Equal(t, 384, l)

	l, err = p.KeyLength(&cryptoprov.HmacKeyGenParams{Name: "HMAC", Hash: "SHA-1", Length: 128})
	require.NoError(t, err)
	assert.Equal(t, 128, l)

	_, err = p.KeyLength(&cryptoprov.HmacKeyGenParams{Name: "HMAC", Hash: "SHA-1", Length: 7})
	assert.True(t, errors.Is(err, cryptoerr.ErrRange))

	_, err = p.KeyLength(&cryptoprov.HmacKeyGenParams{Name: "HMAC", Hash: "SHA3-256"})
	assert.True(t, errors.Is(err, cryptoerr.ErrUnsupportedAlgorithm))

	_, err = p.KeyLength(cryptoprov.NewAlgorithm("HMAC"))
	assert.True(t, errors.Is(err, cryptoerr.ErrUnsupportedAlgorithm))
}

func TestHashByLength(t *testing.T) {
	assert.Equal(t, "SHA-1", hmaccrypto.HashByLength(160))
	assert.Equal(t, "SHA-224", hmaccrypto.HashByLength(224))
	assert.Equal(t, "SHA-384", hmaccrypto.HashByLength(384))
	assert.Equal(t, "SHA-512", hmaccrypto.HashByLength(512))
	assert.Equal(t, "SHA-256", hmaccrypto.HashByLength(256))
	assert.Equal(t, "SHA-256", hmaccrypto.HashByLength(128))
}
