package crypto11

import (
	"context"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11crypto/cryptoerr"
	"github.com/effective-security/p11crypto/internal/tokentest"
	"github.com/miekg/pkcs11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit(t *testing.T) {
	assert.True(t, p11lib.IsLoginRequired())
	assert.True(t, p11lib.IsLoggedIn())
	assert.True(t, p11lib.IsReadWrite())
	assert.Equal(t, uint(tokentest.DefaultSlotID), p11lib.CurrentSlotID())

	info := p11lib.Info()
	assert.Equal(t, "unittest", info.Name)
	assert.Equal(t, "tokentest", info.Label)
	assert.Equal(t, "tokentest", info.Model)
	assert.True(t, info.LoginRequired)
	assert.Equal(t, len(tokentest.Mechanisms), info.Mechanisms)

	assert.True(t, p11lib.MechanismSupported(pkcs11.CKM_ECDSA_SHA256))
	assert.False(t, p11lib.MechanismSupported(pkcs11.CKM_RSA_PKCS))
}

func TestInitErrors(t *testing.T) {
	_, err := InitWithLoader(nil, nil)
	assert.True(t, errors.Is(err, cryptoerr.ErrConfiguration))

	_, err = InitWithLoader(&TokenConfig{Path: "missing"}, func(string) (Module, error) {
		return nil, errors.New("dlopen failed")
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, cryptoerr.ErrConfiguration))

	token := tokentest.New()
	_, err = InitWithLoader(&TokenConfig{Slot: 1}, loaderFor(token))
	require.Error(t, err)
	assert.True(t, errors.Is(err, cryptoerr.ErrConfiguration))
	assert.Equal(t, "slot by index 1 is not found, available: 1", err.Error())

	_, err = InitWithLoader(&TokenConfig{Slot: -1}, loaderFor(token))
	assert.True(t, errors.Is(err, cryptoerr.ErrConfiguration))

	token = tokentest.New(tokentest.WithPin(testPin))
	_, err = InitWithLoader(&TokenConfig{Pin: "wrong"}, loaderFor(token))
	require.Error(t, err)
	assert.True(t, cryptoerr.HasCode(err, pkcs11.CKR_PIN_INCORRECT))
	assert.Equal(t, 0, token.SessionCount())

	token = tokentest.New()
	token.FailOn("OpenSession", pkcs11.CKR_TOKEN_NOT_PRESENT)
	_, err = InitWithLoader(&TokenConfig{}, loaderFor(token))
	assert.True(t, cryptoerr.HasCode(err, pkcs11.CKR_TOKEN_NOT_PRESENT))
}

func TestInitFailedFinalizes(t *testing.T) {
	token := tokentest.New()
	_, err := InitWithLoader(&TokenConfig{Slot: 5}, loaderFor(token))
	require.Error(t, err)
	assert.Equal(t, 1, token.Calls("Initialize"))
	assert.Equal(t, 1, token.Calls("Finalize"))
	assert.False(t, token.IsInitialized())
	assert.True(t, token.IsDestroyed())

	for _, op := range []string{"GetSlotInfo", "GetTokenInfo", "GetMechanismList", "OpenSession"} {
		t.Run(op, func(t *testing.T) {
			token := tokentest.New()
			token.FailOn(op, pkcs11.CKR_DEVICE_ERROR)
			_, err := InitWithLoader(&TokenConfig{}, loaderFor(token))
			assert.True(t, cryptoerr.HasCode(err, pkcs11.CKR_DEVICE_ERROR))
			assert.Equal(t, 1, token.Calls("Finalize"))
			assert.False(t, token.IsInitialized())
		})
	}

	token = tokentest.New(tokentest.WithPin(testPin))
	_, err = InitWithLoader(&TokenConfig{Pin: "wrong"}, loaderFor(token))
	require.Error(t, err)
	assert.Equal(t, 1, token.Calls("Finalize"))
	assert.Equal(t, 0, token.SessionCount())

	// the module initialized by another instance stays initialized
	token = tokentest.New()
	lib, err := InitWithLoader(&TokenConfig{}, loaderFor(token))
	require.NoError(t, err)
	_, err = InitWithLoader(&TokenConfig{Slot: 5}, loaderFor(token))
	require.Error(t, err)
	assert.Equal(t, 0, token.Calls("Finalize"))
	assert.True(t, token.IsInitialized())
	assert.Equal(t, 1, token.SessionCount())
	require.NoError(t, lib.Close())
}

func TestLibraryParameters(t *testing.T) {
	assert.Nil(t, libraryParameters(""))
	assert.Equal(t, []byte("configdir='sql:/etc/pki/nssdb'\x00"), libraryParameters("configdir='sql:/etc/pki/nssdb'"))

	token := tokentest.New()
	lib, err := InitWithLoader(&TokenConfig{}, loaderFor(token))
	require.NoError(t, err)
	assert.Equal(t, 0, token.InitializeOptions())
	require.NoError(t, lib.Close())

	token = tokentest.New()
	lib, err = InitWithLoader(&TokenConfig{LibraryParameters: "flags=readOnly"}, loaderFor(token))
	require.NoError(t, err)
	assert.Equal(t, 1, token.InitializeOptions())
	require.NoError(t, lib.Close())
}

func TestInitTwice(t *testing.T) {
	token := tokentest.New(tokentest.WithSlots(3, 7))
	cfg := &TokenConfig{Slot: 1}

	lib, err := InitWithLoader(cfg, loaderFor(token))
	require.NoError(t, err)
	assert.Equal(t, uint(7), lib.CurrentSlotID())
	assert.False(t, lib.IsLoginRequired())
	assert.True(t, lib.IsLoggedIn())
	assert.False(t, lib.IsReadWrite())

	// already initialized library is not an error
	lib2, err := InitWithLoader(cfg, loaderFor(token))
	require.NoError(t, err)
	assert.Equal(t, 2, token.Calls("Initialize"))
	assert.Equal(t, 2, token.SessionCount())

	// finalizing the library closes the sessions of both instances
	require.NoError(t, lib2.Close())
	assert.Equal(t, 0, token.SessionCount())
	assert.Error(t, lib.Close())
	assert.True(t, lib.IsClosed())
}

func TestLoginLogout(t *testing.T) {
	ctx := context.Background()
	lib, token := newTestLib(t, &TokenConfig{ReadWrite: true}, tokentest.WithPin(testPin))
	assert.False(t, lib.IsLoggedIn())

	err := lib.Login(ctx, "wrong")
	require.Error(t, err)
	var te *cryptoerr.TokenError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "C_Login", te.Op)
	assert.Equal(t, pkcs11.Error(pkcs11.CKR_PIN_INCORRECT), te.Code)
	assert.False(t, lib.IsLoggedIn())

	require.NoError(t, lib.Login(ctx, testPin))
	assert.True(t, lib.IsLoggedIn())
	assert.True(t, token.IsLoggedIn())

	// repeated login is idempotent
	require.NoError(t, lib.Login(ctx, testPin))
	assert.True(t, lib.IsLoggedIn())

	require.NoError(t, lib.Logout(ctx))
	assert.False(t, lib.IsLoggedIn())
	assert.False(t, token.IsLoggedIn())

	// repeated logout is idempotent
	require.NoError(t, lib.Logout(ctx))

	token.FailOn("Logout", pkcs11.CKR_DEVICE_ERROR)
	err = lib.Logout(ctx)
	assert.True(t, cryptoerr.HasCode(err, pkcs11.CKR_DEVICE_ERROR))
	token.ClearFailures()
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	lib, token := newTestLib(t, &TokenConfig{ReadWrite: true, Pin: testPin}, tokentest.WithPin(testPin))
	assert.True(t, lib.IsLoggedIn())

	var sessionObject pkcs11.ObjectHandle
	err := lib.Do(ctx, func(m Module, sh pkcs11.SessionHandle) error {
		var err error
		sessionObject, err = m.CreateObject(sh, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_DATA),
			pkcs11.NewAttribute(pkcs11.CKA_VALUE, []byte("data")),
		})
		return err
	})
	require.NoError(t, err)
	assert.Len(t, token.Handles(), 1)

	gen := lib.Generation()
	require.NoError(t, lib.Reset(ctx))
	assert.Equal(t, gen+1, lib.Generation())
	assert.False(t, lib.IsLoggedIn())
	assert.False(t, token.IsLoggedIn())
	assert.Equal(t, 1, token.Calls("Logout"))
	assert.Equal(t, 1, token.SessionCount())

	// session objects are gone with the session
	assert.Empty(t, token.Handles())
	err = lib.Do(ctx, func(m Module, sh pkcs11.SessionHandle) error {
		_, err := m.GetAttributeValue(sh, sessionObject, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
		})
		return cryptoerr.Token("C_GetAttributeValue", err)
	})
	assert.True(t, cryptoerr.HasCode(err, pkcs11.CKR_OBJECT_HANDLE_INVALID))

	// not logged in, no logout on reset
	require.NoError(t, lib.Reset(ctx))
	assert.Equal(t, gen+2, lib.Generation())
	assert.Equal(t, 1, token.Calls("Logout"))
}

func TestGenerateRandom(t *testing.T) {
	ctx := context.Background()
	lib, token := newTestLib(t, nil)

	buf, err := lib.GenerateRandom(ctx, 32)
	require.NoError(t, err)
	assert.Len(t, buf, 32)

	buf, err = lib.GenerateRandom(ctx, MaxRandomBytes)
	require.NoError(t, err)
	assert.Len(t, buf, MaxRandomBytes)

	buf, err = lib.GenerateRandom(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, buf)
	assert.Equal(t, 2, token.Calls("GenerateRandom"))

	calls := token.TotalCalls()
	_, err = lib.GenerateRandom(ctx, MaxRandomBytes+1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, cryptoerr.ErrRange))
	assert.Equal(t, calls, token.TotalCalls())

	token.FailOn("GenerateRandom", pkcs11.CKR_RANDOM_NO_RNG)
	_, err = lib.GenerateRandom(ctx, 16)
	assert.True(t, cryptoerr.HasCode(err, pkcs11.CKR_RANDOM_NO_RNG))
}

func TestDoCancelled(t *testing.T) {
	lib, token := newTestLib(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := token.TotalCalls()
	_, err := lib.GenerateRandom(ctx, 16)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Error(t, lib.Login(ctx, testPin))
	assert.Error(t, lib.Reset(ctx))
	assert.Equal(t, calls, token.TotalCalls())
}

func TestDoSerialized(t *testing.T) {
	ctx := context.Background()
	lib, token := newTestLib(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := lib.GenerateRandom(ctx, 8)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 16, token.Calls("GenerateRandom"))
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	token := tokentest.New(tokentest.WithPin(testPin))
	lib, err := InitWithLoader(&TokenConfig{Pin: testPin}, loaderFor(token))
	require.NoError(t, err)

	require.NoError(t, lib.Close())
	assert.True(t, lib.IsClosed())
	assert.False(t, lib.IsLoggedIn())
	assert.False(t, token.IsInitialized())
	assert.True(t, token.IsDestroyed())
	assert.Equal(t, 0, token.SessionCount())

	// second close is no-op
	calls := token.TotalCalls()
	require.NoError(t, lib.Close())
	assert.Equal(t, calls, token.TotalCalls())

	_, err = lib.GenerateRandom(ctx, 16)
	assert.True(t, errors.Is(err, cryptoerr.ErrClosed))
	assert.True(t, errors.Is(lib.Login(ctx, testPin), cryptoerr.ErrClosed))
	assert.True(t, errors.Is(lib.Logout(ctx), cryptoerr.ErrClosed))
	assert.True(t, errors.Is(lib.Reset(ctx), cryptoerr.ErrClosed))
	err = lib.Do(ctx, func(Module, pkcs11.SessionHandle) error {
		return nil
	})
	assert.True(t, errors.Is(err, cryptoerr.ErrClosed))
	assert.Equal(t, calls, token.TotalCalls())
}

func TestCloseErrors(t *testing.T) {
	token := tokentest.New()
	lib, err := InitWithLoader(&TokenConfig{}, loaderFor(token))
	require.NoError(t, err)

	token.FailOn("CloseSession", pkcs11.CKR_DEVICE_REMOVED)
	err = lib.Close()
	require.Error(t, err)
	assert.True(t, cryptoerr.HasCode(err, pkcs11.CKR_DEVICE_REMOVED))
	// teardown continues
	assert.False(t, token.IsInitialized())
	assert.True(t, token.IsDestroyed())
}

func TestMechanismByName(t *testing.T) {
	lib, _ := newTestLib(t, &TokenConfig{
		Vendors: map[string]uint{
			"CKM_VENDOR_ECDSA_SHA256": 0x80000101,
			"ecdsa_sha1":              0x80000102,
		},
	})

	m, ok := lib.MechanismByName("ECDSA_SHA256")
	assert.True(t, ok)
	assert.Equal(t, uint(pkcs11.CKM_ECDSA_SHA256), m)

	m, ok = lib.MechanismByName("CKM_SHA256_HMAC")
	assert.True(t, ok)
	assert.Equal(t, uint(pkcs11.CKM_SHA256_HMAC), m)

	m, ok = lib.MechanismByName("vendor_ecdsa_sha256")
	assert.True(t, ok)
	assert.Equal(t, uint(0x80000101), m)

	// vendor mechanisms take precedence
	m, ok = lib.MechanismByName("ECDSA_SHA1")
	assert.True(t, ok)
	assert.Equal(t, uint(0x80000102), m)

	_, ok = lib.MechanismByName("RSA_PKCS")
	assert.False(t, ok)

	assert.Equal(t, "ECDSA", MechanismName(pkcs11.CKM_ECDSA))
	assert.Empty(t, MechanismName(pkcs11.CKM_RSA_PKCS))
}

func TestTokensInfo(t *testing.T) {
	ctx := context.Background()
	slots, err := p11lib.TokensInfo(ctx)
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, "tokentest", slots[0].label)
	assert.NotEmpty(t, slots[0].serial)

	list, err := p11lib.EnumTokens(ctx, true)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, uint(tokentest.DefaultSlotID), list[0].SlotID)

	list, err = p11lib.EnumTokens(ctx, false)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "p11crypto", list[0].Manufacturer)
}

func TestBytesConversion(t *testing.T) {
	attr := pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_SECRET_KEY)
	assert.Equal(t, uint(pkcs11.CKO_SECRET_KEY), BytesToUlong(attr.Value))
	assert.Equal(t, uint(0), BytesToUlong(nil))
	assert.Equal(t, uint(3), BytesToUlong([]byte{3}))

	assert.True(t, BytesToBool(pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true).Value))
	assert.False(t, BytesToBool(pkcs11.NewAttribute(pkcs11.CKA_TOKEN, false).Value))
	assert.False(t, BytesToBool(nil))

	assert.Equal(t, "CKO_SECRET_KEY", ObjectClassNames[pkcs11.CKO_SECRET_KEY])
	assert.Equal(t, "CKK_EC", KeyTypeNames[pkcs11.CKK_EC])
}
