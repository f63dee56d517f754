package eccrypto

import (
	"bytes"
	"strings"

	"github.com/effective-security/p11crypto/cryptoerr"
	"github.com/effective-security/p11crypto/cryptoprov"
)

// toJWK returns JWK of the public point, and the private scalar if provided
func toJWK(c *Curve, point, d []byte) *cryptoprov.JSONWebKey {
	jwk := &cryptoprov.JSONWebKey{
		Kty: cryptoprov.KtyEC,
		Crv: c.Name,
		X:   cryptoprov.EncodeSegment(point[1 : 1+c.Size]),
		Y:   cryptoprov.EncodeSegment(point[1+c.Size:]),
	}
	if len(d) > 0 {
		jwk.D = cryptoprov.EncodeSegment(c.padScalar(d))
	}
	return jwk
}

// fromJWK returns the uncompressed point, and the private scalar
// if JWK has one
func fromJWK(c *Curve, jwk *cryptoprov.JSONWebKey) ([]byte, []byte, error) {
	if !strings.EqualFold(jwk.Crv, c.Name) {
		return nil, nil, cryptoerr.UnsupportedAlgorithmf("JWK curve %q does not match %q", jwk.Crv, c.Name)
	}
	x, err := cryptoprov.DecodeSegment(jwk.X)
	if err != nil {
		return nil, nil, err
	}
	y, err := cryptoprov.DecodeSegment(jwk.Y)
	if err != nil {
		return nil, nil, err
	}
	if len(x) != c.Size || len(y) != c.Size {
		return nil, nil, cryptoerr.UnsupportedAlgorithmf("invalid JWK coordinates size for %s", c.Name)
	}
	point := append(append([]byte{4}, x...), y...)
	if err = c.ValidatePoint(point); err != nil {
		return nil, nil, err
	}
	if jwk.D == "" {
		return point, nil, nil
	}

	d, err := cryptoprov.DecodeSegment(jwk.D)
	if err != nil {
		return nil, nil, err
	}
	d = c.padScalar(d)
	pub, err := c.PublicPoint(d)
	if err != nil {
		return nil, nil, err
	}
	if !bytes.Equal(pub, point) {
		return nil, nil, cryptoerr.UnsupportedAlgorithmf("JWK private key does not match the public key")
	}
	return point, d, nil
}
