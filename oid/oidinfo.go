package oid

import (
	"crypto"
	"encoding/asn1"
	"strings"
)

// well-known OIDs
var (
	PublicKeyEC = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}

	NamedCurveP256      = asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}
	NamedCurveP384      = asn1.ObjectIdentifier{1, 3, 132, 0, 34}
	NamedCurveP521      = asn1.ObjectIdentifier{1, 3, 132, 0, 35}
	NamedCurveSecp256k1 = asn1.ObjectIdentifier{1, 3, 132, 0, 10}

	HashSHA1   = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	HashSHA224 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 4}
	HashSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	HashSHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	HashSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}
)

// Curve contains a mapping of curve names to OIDs
var Curve = map[string]asn1.ObjectIdentifier{
	"P-256": NamedCurveP256,
	"P-384": NamedCurveP384,
	"P-521": NamedCurveP521,
	"K-256": NamedCurveSecp256k1,
}

// Hash contains a mapping of hash names to crypto.Hash
var Hash = map[string]crypto.Hash{
	"SHA-1":   crypto.SHA1,
	"SHA-224": crypto.SHA224,
	"SHA-256": crypto.SHA256,
	"SHA-384": crypto.SHA384,
	"SHA-512": crypto.SHA512,
}

// HashName provides map of names
var HashName = map[crypto.Hash]string{
	crypto.SHA1:   "SHA-1",
	crypto.SHA224: "SHA-224",
	crypto.SHA256: "SHA-256",
	crypto.SHA384: "SHA-384",
	crypto.SHA512: "SHA-512",
}

// DisplayName provides OID name
var DisplayName = map[string]string{
	"1.2.840.10045.2.1":      "EC Public Key",
	"1.2.840.10045.3.1.7":    "P-256",
	"1.3.132.0.34":           "P-384",
	"1.3.132.0.35":           "P-521",
	"1.3.132.0.10":           "K-256",
	"1.3.14.3.2.26":          "SHA-1",
	"2.16.840.1.101.3.4.2.4": "SHA-224",
	"2.16.840.1.101.3.4.2.1": "SHA-256",
	"2.16.840.1.101.3.4.2.2": "SHA-384",
	"2.16.840.1.101.3.4.2.3": "SHA-512",
}

// LookupHash returns crypto.Hash by name, case insensitive
func LookupHash(name string) (crypto.Hash, bool) {
	h, ok := Hash[strings.ToUpper(name)]
	return h, ok
}

// LookupCurve returns the curve OID by name, case insensitive
func LookupCurve(name string) (asn1.ObjectIdentifier, bool) {
	o, ok := Curve[strings.ToUpper(name)]
	return o, ok
}

// CurveName returns the name of the curve OID
func CurveName(id asn1.ObjectIdentifier) string {
	for name, o := range Curve {
		if o.Equal(id) {
			return name
		}
	}
	return ""
}

// HashOID returns the OID of the hash algorithm
func HashOID(h crypto.Hash) asn1.ObjectIdentifier {
	switch h {
	case crypto.SHA1:
		return HashSHA1
	case crypto.SHA224:
		return HashSHA224
	case crypto.SHA256:
		return HashSHA256
	case crypto.SHA384:
		return HashSHA384
	case crypto.SHA512:
		return HashSHA512
	}
	return nil
}

// HashBits returns the output size of the hash in bits
func HashBits(h crypto.Hash) int {
	return h.Size() * 8
}

// Strings returns list of OID string values
func Strings(ids ...asn1.ObjectIdentifier) []string {
	list := make([]string, 0, len(ids))

	for _, k := range ids {
		list = append(list, k.String())
	}

	return list
}
