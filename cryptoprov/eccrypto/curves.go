package eccrypto

import (
	"bytes"
	"crypto/ecdh"
	"encoding/asn1"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/effective-security/p11crypto/cryptoerr"
	"github.com/effective-security/p11crypto/oid"
	"golang.org/x/crypto/cryptobyte"
)

// Curve describes the named curve
type Curve struct {
	// Name is the curve name, e.g. P-256
	Name string
	// OID of the named curve
	OID asn1.ObjectIdentifier
	// Params is DER encoded OID for CKA_EC_PARAMS
	Params []byte
	// Size is the byte size of the field element
	Size int
	// SecretBits is the size of ECDH shared secret
	SecretBits int

	ecdh ecdh.Curve
}

// PointSize returns the size of the uncompressed point
func (c *Curve) PointSize() int {
	return 1 + 2*c.Size
}

// Curves lists the supported curves
var Curves = []*Curve{
	newCurve("P-256", oid.NamedCurveP256, 32, 256, ecdh.P256()),
	newCurve("P-384", oid.NamedCurveP384, 48, 384, ecdh.P384()),
	// 534 bits rounds to the 66 bytes of the shared secret
	newCurve("P-521", oid.NamedCurveP521, 66, 534, ecdh.P521()),
	newCurve("K-256", oid.NamedCurveSecp256k1, 32, 256, nil),
}

func newCurve(name string, id asn1.ObjectIdentifier, size, secretBits int, ec ecdh.Curve) *Curve {
	var b cryptobyte.Builder
	b.AddASN1ObjectIdentifier(id)
	return &Curve{
		Name:       name,
		OID:        id,
		Params:     b.BytesOrPanic(),
		Size:       size,
		SecretBits: secretBits,
		ecdh:       ec,
	}
}

// CurveByName returns the curve by name, case insensitive
func CurveByName(name string) (*Curve, error) {
	for _, c := range Curves {
		if strings.EqualFold(c.Name, strings.TrimSpace(name)) {
			return c, nil
		}
	}
	return nil, cryptoerr.UnsupportedAlgorithmf("unsupported named curve: %q", name)
}

// CurveByOID returns the curve by OID
func CurveByOID(id asn1.ObjectIdentifier) (*Curve, error) {
	for _, c := range Curves {
		if c.OID.Equal(id) {
			return c, nil
		}
	}
	return nil, cryptoerr.UnsupportedAlgorithmf("unsupported named curve: %s", id.String())
}

// CurveByParams returns the curve by CKA_EC_PARAMS value
func CurveByParams(params []byte) (*Curve, error) {
	for _, c := range Curves {
		if bytes.Equal(c.Params, params) {
			return c, nil
		}
	}
	return nil, cryptoerr.UnsupportedAlgorithmf("unsupported EC parameters: %x", params)
}

// ValidatePoint returns error if the uncompressed point is not on the curve
func (c *Curve) ValidatePoint(point []byte) error {
	if len(point) != c.PointSize() || point[0] != 4 {
		return cryptoerr.UnsupportedAlgorithmf("invalid %s point: expected uncompressed point of %d bytes", c.Name, c.PointSize())
	}
	var err error
	if c.ecdh == nil {
		_, err = btcec.ParsePubKey(point)
	} else {
		_, err = c.ecdh.NewPublicKey(point)
	}
	if err != nil {
		return cryptoerr.UnsupportedAlgorithmf("invalid %s point: %s", c.Name, err.Error())
	}
	return nil
}

// PublicPoint returns the uncompressed point of the private scalar
func (c *Curve) PublicPoint(d []byte) ([]byte, error) {
	d = c.padScalar(d)
	if len(d) != c.Size {
		return nil, cryptoerr.UnsupportedAlgorithmf("invalid %s private key size: %d", c.Name, len(d))
	}
	if c.ecdh == nil {
		var scalar btcec.ModNScalar
		if overflow := scalar.SetByteSlice(d); overflow || scalar.IsZero() {
			return nil, cryptoerr.UnsupportedAlgorithmf("invalid %s private key", c.Name)
		}
		priv, _ := btcec.PrivKeyFromBytes(d)
		return priv.PubKey().SerializeUncompressed(), nil
	}
	priv, err := c.ecdh.NewPrivateKey(d)
	if err != nil {
		return nil, cryptoerr.UnsupportedAlgorithmf("invalid %s private key: %s", c.Name, err.Error())
	}
	return priv.PublicKey().Bytes(), nil
}

func (c *Curve) padScalar(d []byte) []byte {
	if len(d) >= c.Size {
		return d
	}
	return append(make([]byte, c.Size-len(d)), d...)
}
