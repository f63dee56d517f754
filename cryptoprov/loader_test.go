package cryptoprov_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11crypto/cryptoerr"
	"github.com/effective-security/p11crypto/cryptoprov"
	"github.com/effective-security/p11crypto/objects"
	"github.com/effective-security/x/slices"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testProvider struct {
	name string
}

func (p *testProvider) Name() string {
	return p.name
}

func (p *testProvider) CheckKeyType(key *objects.Key, usage string) error {
	return cryptoprov.CheckUsage(key, usage)
}

func TestRegistry(t *testing.T) {
	r, err := cryptoprov.NewRegistry(&testProvider{name: "ECDSA"}, &testProvider{name: "sha-256"})
	require.NoError(t, err)

	l := r.Registered()
	assert.Equal(t, []string{"ECDSA", "SHA-256"}, l)
	assert.True(t, slices.ContainsString(l, "SHA-256"))

	p, err := r.Get("ecdsa")
	require.NoError(t, err)
	assert.Equal(t, "ECDSA", p.Name())

	p, err = r.Get(" SHA-256 ")
	require.NoError(t, err)
	assert.Equal(t, "sha-256", p.Name())

	_, err = r.Get("RSA-PSS")
	require.Error(t, err)
	assert.True(t, errors.Is(err, cryptoerr.ErrUnsupportedAlgorithm))

	err = r.Register("Ecdsa", &testProvider{name: "ECDSA"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, cryptoerr.ErrConfiguration))

	err = r.Register("", &testProvider{name: "none"})
	assert.True(t, errors.Is(err, cryptoerr.ErrConfiguration))
	err = r.Register("AES-GCM", nil)
	assert.True(t, errors.Is(err, cryptoerr.ErrConfiguration))

	p, err = r.Unregister("ecdsa")
	require.NoError(t, err)
	assert.Equal(t, "ECDSA", p.Name())
	assert.Equal(t, []string{"SHA-256"}, r.Registered())

	_, err = r.Unregister("ecdsa")
	assert.True(t, errors.Is(err, cryptoerr.ErrNotFound))

	_, err = cryptoprov.NewRegistry(&testProvider{name: "HMAC"}, &testProvider{name: "hmac"})
	assert.True(t, errors.Is(err, cryptoerr.ErrConfiguration))
}
