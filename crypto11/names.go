package crypto11

import (
	"encoding/binary"
	"strings"

	"github.com/miekg/pkcs11"
)

// ObjectClassNames provides names of CKO_ values
var ObjectClassNames = map[uint]string{
	pkcs11.CKO_DATA:              "CKO_DATA",
	pkcs11.CKO_CERTIFICATE:       "CKO_CERTIFICATE",
	pkcs11.CKO_PUBLIC_KEY:        "CKO_PUBLIC_KEY",
	pkcs11.CKO_PRIVATE_KEY:       "CKO_PRIVATE_KEY",
	pkcs11.CKO_SECRET_KEY:        "CKO_SECRET_KEY",
	pkcs11.CKO_HW_FEATURE:        "CKO_HW_FEATURE",
	pkcs11.CKO_DOMAIN_PARAMETERS: "CKO_DOMAIN_PARAMETERS",
	pkcs11.CKO_MECHANISM:         "CKO_MECHANISM",
	pkcs11.CKO_OTP_KEY:           "CKO_OTP_KEY",
}

// KeyTypeNames provides names of CKK_ values
var KeyTypeNames = map[uint]string{
	pkcs11.CKK_RSA:            "CKK_RSA",
	pkcs11.CKK_DSA:            "CKK_DSA",
	pkcs11.CKK_DH:             "CKK_DH",
	pkcs11.CKK_EC:             "CKK_EC",
	pkcs11.CKK_GENERIC_SECRET: "CKK_GENERIC_SECRET",
	pkcs11.CKK_AES:            "CKK_AES",
	pkcs11.CKK_DES3:           "CKK_DES3",
	pkcs11.CKK_SHA_1_HMAC:     "CKK_SHA_1_HMAC",
	pkcs11.CKK_SHA256_HMAC:    "CKK_SHA256_HMAC",
	pkcs11.CKK_SHA384_HMAC:    "CKK_SHA384_HMAC",
	pkcs11.CKK_SHA512_HMAC:    "CKK_SHA512_HMAC",
	pkcs11.CKK_SHA224_HMAC:    "CKK_SHA224_HMAC",
}

// MechanismNames provides CKM_ values of the mechanisms
// used by the providers, by name without the CKM_ prefix
var MechanismNames = map[string]uint{
	"EC_KEY_PAIR_GEN":        pkcs11.CKM_EC_KEY_PAIR_GEN,
	"ECDSA":                  pkcs11.CKM_ECDSA,
	"ECDSA_SHA1":             pkcs11.CKM_ECDSA_SHA1,
	"ECDSA_SHA224":           pkcs11.CKM_ECDSA_SHA224,
	"ECDSA_SHA256":           pkcs11.CKM_ECDSA_SHA256,
	"ECDSA_SHA384":           pkcs11.CKM_ECDSA_SHA384,
	"ECDSA_SHA512":           pkcs11.CKM_ECDSA_SHA512,
	"ECDH1_DERIVE":           pkcs11.CKM_ECDH1_DERIVE,
	"GENERIC_SECRET_KEY_GEN": pkcs11.CKM_GENERIC_SECRET_KEY_GEN,
	"SHA_1":                  pkcs11.CKM_SHA_1,
	"SHA224":                 pkcs11.CKM_SHA224,
	"SHA256":                 pkcs11.CKM_SHA256,
	"SHA384":                 pkcs11.CKM_SHA384,
	"SHA512":                 pkcs11.CKM_SHA512,
	"SHA_1_HMAC":             pkcs11.CKM_SHA_1_HMAC,
	"SHA224_HMAC":            pkcs11.CKM_SHA224_HMAC,
	"SHA256_HMAC":            pkcs11.CKM_SHA256_HMAC,
	"SHA384_HMAC":            pkcs11.CKM_SHA384_HMAC,
	"SHA512_HMAC":            pkcs11.CKM_SHA512_HMAC,
}

// MechanismName returns the name of CKM_ value,
// or empty string if the value is unknown
func MechanismName(mech uint) string {
	for name, val := range MechanismNames {
		if val == mech {
			return name
		}
	}
	return ""
}

// normalizeMechanismName returns upper case name without CKM_ prefix
func normalizeMechanismName(name string) string {
	return strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(name)), "CKM_")
}

// BytesToUlong converts CK_ULONG attribute value,
// as returned by the module in native byte order
func BytesToUlong(bs []byte) uint {
	switch len(bs) {
	case 8:
		return uint(binary.LittleEndian.Uint64(bs))
	case 4:
		return uint(binary.LittleEndian.Uint32(bs))
	case 2:
		return uint(binary.LittleEndian.Uint16(bs))
	case 1:
		return uint(bs[0])
	}
	return 0
}

// BytesToBool converts CK_BBOOL attribute value
func BytesToBool(bs []byte) bool {
	return len(bs) > 0 && bs[0] != 0
}
