package eccrypto

import (
	"bytes"
	"encoding/asn1"

	"github.com/effective-security/p11crypto/cryptoerr"
	"github.com/effective-security/p11crypto/oid"
	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

const ecPrivKeyVersion = 1

// MarshalECPoint returns CKA_EC_POINT value,
// the uncompressed point as DER OCTET STRING
func MarshalECPoint(point []byte) []byte {
	var b cryptobyte.Builder
	b.AddASN1OctetString(point)
	return b.BytesOrPanic()
}

// ParseECPoint returns the uncompressed point from CKA_EC_POINT value.
// Some tokens return the raw point, it is accepted as well.
func ParseECPoint(c *Curve, val []byte) ([]byte, error) {
	point := val
	if len(val) != c.PointSize() {
		input := cryptobyte.String(val)
		var raw cryptobyte.String
		if !input.ReadASN1(&raw, cryptobyte_asn1.OCTET_STRING) || !input.Empty() {
			return nil, cryptoerr.UnsupportedAlgorithmf("invalid EC point encoding")
		}
		point = raw
	}
	if err := c.ValidatePoint(point); err != nil {
		return nil, err
	}
	return point, nil
}

// MarshalSPKI returns DER encoded SubjectPublicKeyInfo
func MarshalSPKI(c *Curve, point []byte) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		addAlgorithm(b, c)
		b.AddASN1BitString(point)
	})
	return bytesOf(&b)
}

// ParseSPKI returns the curve and uncompressed point from
// DER encoded SubjectPublicKeyInfo
func ParseSPKI(der []byte) (*Curve, []byte, error) {
	input := cryptobyte.String(der)
	var spki, alg cryptobyte.String
	var bits asn1.BitString
	if !input.ReadASN1(&spki, cryptobyte_asn1.SEQUENCE) || !input.Empty() ||
		!spki.ReadASN1(&alg, cryptobyte_asn1.SEQUENCE) ||
		!spki.ReadASN1BitString(&bits) || !spki.Empty() {
		return nil, nil, cryptoerr.UnsupportedAlgorithmf("invalid SPKI")
	}
	c, err := readAlgorithm(&alg)
	if err != nil {
		return nil, nil, err
	}
	if bits.BitLength%8 != 0 {
		return nil, nil, cryptoerr.UnsupportedAlgorithmf("invalid SPKI public key")
	}
	point := bits.RightAlign()
	if err = c.ValidatePoint(point); err != nil {
		return nil, nil, err
	}
	return c, point, nil
}

// MarshalPKCS8 returns DER encoded PKCS#8 PrivateKeyInfo
// with ECPrivateKey structure
func MarshalPKCS8(c *Curve, d, point []byte) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(0)
		addAlgorithm(b, c)
		b.AddASN1(cryptobyte_asn1.OCTET_STRING, func(b *cryptobyte.Builder) {
			b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1Int64(ecPrivKeyVersion)
				b.AddASN1OctetString(c.padScalar(d))
				if len(point) > 0 {
					b.AddASN1(cryptobyte_asn1.Tag(1).Constructed().ContextSpecific(), func(b *cryptobyte.Builder) {
						b.AddASN1BitString(point)
					})
				}
			})
		})
	})
	return bytesOf(&b)
}

// ParsePKCS8 returns the curve, private scalar and uncompressed point
// from DER encoded PKCS#8 PrivateKeyInfo
func ParsePKCS8(der []byte) (*Curve, []byte, []byte, error) {
	input := cryptobyte.String(der)
	var info, alg, key cryptobyte.String
	var version int
	if !input.ReadASN1(&info, cryptobyte_asn1.SEQUENCE) || !input.Empty() ||
		!info.ReadASN1Integer(&version) || version != 0 ||
		!info.ReadASN1(&alg, cryptobyte_asn1.SEQUENCE) ||
		!info.ReadASN1(&key, cryptobyte_asn1.OCTET_STRING) {
		return nil, nil, nil, cryptoerr.UnsupportedAlgorithmf("invalid PKCS#8")
	}
	c, err := readAlgorithm(&alg)
	if err != nil {
		return nil, nil, nil, err
	}

	var ecKey, d cryptobyte.String
	if !key.ReadASN1(&ecKey, cryptobyte_asn1.SEQUENCE) || !key.Empty() ||
		!ecKey.ReadASN1Integer(&version) || version != ecPrivKeyVersion ||
		!ecKey.ReadASN1(&d, cryptobyte_asn1.OCTET_STRING) {
		return nil, nil, nil, cryptoerr.UnsupportedAlgorithmf("invalid EC private key")
	}

	var params, pub cryptobyte.String
	var hasParams, hasPub bool
	if !ecKey.ReadOptionalASN1(&params, &hasParams, cryptobyte_asn1.Tag(0).Constructed().ContextSpecific()) ||
		!ecKey.ReadOptionalASN1(&pub, &hasPub, cryptobyte_asn1.Tag(1).Constructed().ContextSpecific()) {
		return nil, nil, nil, cryptoerr.UnsupportedAlgorithmf("invalid EC private key")
	}
	if hasParams {
		var id asn1.ObjectIdentifier
		if !params.ReadASN1ObjectIdentifier(&id) || !id.Equal(c.OID) {
			return nil, nil, nil, cryptoerr.UnsupportedAlgorithmf("EC private key parameters do not match the algorithm")
		}
	}

	scalar := c.padScalar(d)
	point, err := c.PublicPoint(scalar)
	if err != nil {
		return nil, nil, nil, err
	}
	if hasPub {
		var bits asn1.BitString
		if !pub.ReadASN1BitString(&bits) {
			return nil, nil, nil, cryptoerr.UnsupportedAlgorithmf("invalid EC private key public point")
		}
		if !bytes.Equal(bits.RightAlign(), point) {
			return nil, nil, nil, cryptoerr.UnsupportedAlgorithmf("EC private key public point does not match")
		}
	}
	return c, scalar, point, nil
}

func addAlgorithm(b *cryptobyte.Builder, c *Curve) {
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1ObjectIdentifier(oid.PublicKeyEC)
		b.AddASN1ObjectIdentifier(c.OID)
	})
}

func readAlgorithm(alg *cryptobyte.String) (*Curve, error) {
	var algOID, curveOID asn1.ObjectIdentifier
	if !alg.ReadASN1ObjectIdentifier(&algOID) {
		return nil, cryptoerr.UnsupportedAlgorithmf("invalid algorithm identifier")
	}
	if !algOID.Equal(oid.PublicKeyEC) {
		return nil, cryptoerr.UnsupportedAlgorithmf("unsupported public key algorithm: %s", algOID.String())
	}
	if !alg.ReadASN1ObjectIdentifier(&curveOID) || !alg.Empty() {
		return nil, cryptoerr.UnsupportedAlgorithmf("unsupported EC parameters")
	}
	return CurveByOID(curveOID)
}

func bytesOf(b *cryptobyte.Builder) ([]byte, error) {
	der, err := b.Bytes()
	if err != nil {
		return nil, cryptoerr.UnsupportedAlgorithmf("unable to encode: %s", err.Error())
	}
	return der, nil
}
