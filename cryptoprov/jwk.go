package cryptoprov

import (
	"encoding/base64"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11crypto/cryptoerr"
	"github.com/effective-security/p11crypto/objects"
	"github.com/effective-security/x/slices"
)

// JSONWebKey is JWK representation of the key
type JSONWebKey struct {
	Kty    string   `json:"kty"`
	Crv    string   `json:"crv,omitempty"`
	X      string   `json:"x,omitempty"`
	Y      string   `json:"y,omitempty"`
	D      string   `json:"d,omitempty"`
	K      string   `json:"k,omitempty"`
	Alg    string   `json:"alg,omitempty"`
	Ext    *bool    `json:"ext,omitempty"`
	KeyOps []string `json:"key_ops,omitempty"`
}

// JWK key types
const (
	KtyEC  = "EC"
	KtyOct = "oct"
)

// ParseJWK returns JSONWebKey from JSON
func ParseJWK(data []byte) (*JSONWebKey, error) {
	jwk := new(JSONWebKey)
	if err := json.Unmarshal(data, jwk); err != nil {
		return nil, cryptoerr.UnsupportedAlgorithmf("invalid JWK: %s", err.Error())
	}
	return jwk, nil
}

// Marshal returns JSON encoded JWK
func (k *JSONWebKey) Marshal() ([]byte, error) {
	js, err := json.Marshal(k)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return js, nil
}

// CheckImport returns error if the JWK does not allow the import
// with the requested extractability and usages
func (k *JSONWebKey) CheckImport(kty string, extractable bool, usages objects.Usages) error {
	if k.Kty != kty {
		return cryptoerr.UnsupportedAlgorithmf("invalid JWK key type: %q, expected: %q", k.Kty, kty)
	}
	if extractable && k.Ext != nil && !*k.Ext {
		return cryptoerr.KeyTypef("JWK is not extractable")
	}
	if len(k.KeyOps) > 0 {
		for _, u := range usages {
			if !slices.ContainsString(k.KeyOps, u) {
				return cryptoerr.KeyTypef("JWK does not allow %q usage", u)
			}
		}
	}
	return nil
}

// EncodeSegment returns base64url encoding without padding
func EncodeSegment(seg []byte) string {
	return base64.RawURLEncoding.EncodeToString(seg)
}

// DecodeSegment decodes base64url with or without padding
func DecodeSegment(seg string) ([]byte, error) {
	if l := len(seg) % 4; l > 0 {
		seg += "===="[l:]
	}
	b, err := base64.URLEncoding.DecodeString(seg)
	if err != nil {
		return nil, cryptoerr.UnsupportedAlgorithmf("invalid JWK field encoding: %s", err.Error())
	}
	return b, nil
}
