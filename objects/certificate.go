package objects

import (
	"context"

	"github.com/effective-security/p11crypto/cryptoerr"
)

// CertKind specifies the kind of the certificate object
type CertKind string

// Certificate kinds
const (
	KindRequest CertKind = CategoryRequest
	KindX509    CertKind = CategoryX509
)

// Certificate is a token object holding X.509 certificate,
// or PKCS#10 certificate request
type Certificate struct {
	*Object

	kind      CertKind
	rawID     []byte
	value     []byte
	publicKey []byte
}

// NewCertificate returns the certificate wrapper
func NewCertificate(obj *Object, kind CertKind, rawID, value, publicKey []byte) *Certificate {
	return &Certificate{
		Object:    obj,
		kind:      kind,
		rawID:     append([]byte(nil), rawID...),
		value:     value,
		publicKey: publicKey,
	}
}

// Kind returns the kind of the certificate
func (c *Certificate) Kind() CertKind {
	return c.kind
}

// RawID returns CKA_OBJECT_ID of the request,
// or CKA_ID of the certificate
func (c *Certificate) RawID() []byte {
	return c.rawID
}

// Value returns DER encoded value
func (c *Certificate) Value() []byte {
	return c.value
}

// PublicKey returns SPKI DER of the subject public key
func (c *Certificate) PublicKey() []byte {
	return c.publicKey
}

// Identity returns the storage identifier of the certificate
func (c *Certificate) Identity() (string, error) {
	switch c.kind {
	case KindRequest, KindX509:
		return Identity(string(c.kind), c.handle, c.rawID)
	}
	return "", cryptoerr.Configurationf("unsupported certificate kind: %q", c.kind)
}

// IsSensitive returns false, the certificates are public
func (c *Certificate) IsSensitive(_ context.Context) bool {
	return false
}
