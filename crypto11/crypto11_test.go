package crypto11

import (
	"os"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11crypto/internal/tokentest"
)

// p11lib specifies PKCS11 Context for the loaded test module
var p11lib *PKCS11Lib

const testPin = "1234"

// Ensure compiles
var _ Module = (*tokentest.Token)(nil)

func loaderFor(token *tokentest.Token) ModuleLoader {
	return func(string) (Module, error) {
		return token, nil
	}
}

func newTestLib(t *testing.T, cfg *TokenConfig, opts ...tokentest.Option) (*PKCS11Lib, *tokentest.Token) {
	token := tokentest.New(opts...)
	if cfg == nil {
		cfg = &TokenConfig{
			Path:      "tokentest",
			ReadWrite: true,
		}
	}
	lib, err := InitWithLoader(cfg, loaderFor(token))
	if err != nil {
		t.Fatalf("unable to init: %+v", err)
	}
	t.Cleanup(func() {
		_ = lib.Close()
	})
	return lib, token
}

func loadConfigAndInitP11() error {
	var err error
	token := tokentest.New(tokentest.WithPin(testPin))
	p11lib, err = InitWithLoader(&TokenConfig{
		Path:      "tokentest",
		Name:      "unittest",
		ReadWrite: true,
		Pin:       testPin,
	}, loaderFor(token))
	if err != nil {
		return errors.WithMessage(err, "failed to init test module")
	}
	return nil
}

func TestMain(m *testing.M) {
	if err := loadConfigAndInitP11(); err != nil {
		panic(errors.WithStack(err))
	}
	retCode := m.Run()
	_ = p11lib.Close()
	os.Exit(retCode)
}
