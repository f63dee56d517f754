package crypto11

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigYaml(t *testing.T) {
	c, err := LoadTokenConfig("testdata/token.yaml")
	require.NoError(t, err)

	c2, err := LoadTokenConfig("testdata/token.json")
	require.NoError(t, err)

	assert.Equal(t, c, c2)

	assert.Equal(t, "/usr/lib/softhsm/libsofthsm2.so", c.Path)
	assert.Equal(t, "unittest", c.Name)
	assert.Equal(t, "1234", c.Pin)
	assert.True(t, c.ReadWrite)
	assert.Equal(t, uint(0x80000101), c.Vendors["CKM_VENDOR_ECDSA_SHA256"])
	assert.Equal(t, KeyDefaults{Token: true, Sensitive: false}, c.Defaults)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadTokenConfig("testdata/not_exists.yaml")
	assert.Error(t, err)

	_, err = LoadTokenConfig("testdata/missing_pin.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unable to load PIN for configuration")

	_, err = LoadTokenConfig("testdata/token.pin")
	assert.Error(t, err)
}

func TestResolve(t *testing.T) {
	f, err := resolve("", "testdata")
	require.NoError(t, err)
	assert.Empty(t, f)

	f, err = resolve("token.pin", "testdata")
	require.NoError(t, err)
	assert.Equal(t, "testdata/token.pin", f)

	_, err = resolve("not_exists.pin", "testdata")
	assert.Error(t, err)
}
