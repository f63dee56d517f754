package cryptoprov

import (
	"context"

	"github.com/effective-security/p11crypto/crypto11"
	"github.com/effective-security/p11crypto/objects"
)

// Session is the token session the providers are bound to,
// *crypto11.PKCS11Lib implements it
type Session interface {
	objects.Session
	MechanismSupported(mech uint) bool
	MechanismByName(name string) (uint, bool)
	GenerateRandom(ctx context.Context, n int) ([]byte, error)
	Defaults() crypto11.KeyDefaults
}

// ensure compiles
var _ Session = (*crypto11.PKCS11Lib)(nil)
