package objects

import (
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/effective-security/p11crypto/cryptoerr"
	"github.com/miekg/pkcs11"
)

// Identity categories
const (
	CategoryRequest = "request"
	CategoryX509    = "x509"
	CategoryPublic  = "public"
	CategoryPrivate = "private"
	CategorySecret  = "secret"
)

// IDSize is the size of CKA_ID assigned to created objects
const IDSize = 16

const handleSize = 8

var categories = []string{
	CategoryRequest,
	CategoryX509,
	CategoryPublic,
	CategoryPrivate,
	CategorySecret,
}

// Identity returns the storage identifier of the object
// in {category}-{handleHex}-{rawIdHex} form
func Identity(category string, h pkcs11.ObjectHandle, rawID []byte) (string, error) {
	if !isCategory(category) {
		return "", cryptoerr.Configurationf("unsupported object category: %q", category)
	}
	return category + "-" + HandleHex(h) + "-" + hex.EncodeToString(rawID), nil
}

// ParseIdentity returns the parts of the identity
func ParseIdentity(id string) (category string, h pkcs11.ObjectHandle, rawID []byte, err error) {
	parts := strings.SplitN(id, "-", 3)
	if len(parts) != 3 || !isCategory(parts[0]) || parts[1] == "" {
		return "", 0, nil, cryptoerr.NotFoundf("invalid identity: %q", id)
	}
	handle, err := hex.DecodeString(parts[1])
	if err != nil || len(handle) != handleSize {
		return "", 0, nil, cryptoerr.NotFoundf("invalid identity handle: %q", id)
	}
	rawID, err = hex.DecodeString(parts[2])
	if err != nil {
		return "", 0, nil, cryptoerr.NotFoundf("invalid identity id: %q", id)
	}
	return parts[0], pkcs11.ObjectHandle(binary.LittleEndian.Uint64(handle)), rawID, nil
}

// HandleHex returns hex of the handle as 8 bytes little-endian CK_ULONG,
// the native layout of the handle on the supported platforms
func HandleHex(h pkcs11.ObjectHandle) string {
	var buf [handleSize]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(h))
	return hex.EncodeToString(buf[:])
}

// PublicKeyID returns CKA_ID for the key pair,
// the first 16 bytes of SHA-1 of the public key SPKI DER
func PublicKeyID(spki []byte) []byte {
	digest := sha1.Sum(spki)
	return digest[:IDSize]
}

func isCategory(category string) bool {
	for _, c := range categories {
		if c == category {
			return true
		}
	}
	return false
}
