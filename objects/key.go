package objects

import (
	"context"

	"github.com/effective-security/p11crypto/crypto11"
	"github.com/effective-security/p11crypto/cryptoerr"
	"github.com/effective-security/xlog"
	"github.com/jinzhu/copier"
	"github.com/miekg/pkcs11"
)

// KeyKind specifies the kind of the key
type KeyKind string

// Key kinds
const (
	KindSecret  KeyKind = CategorySecret
	KindPublic  KeyKind = CategoryPublic
	KindPrivate KeyKind = CategoryPrivate
)

// KeyKindByClass returns the kind of CKO_ class
func KeyKindByClass(class uint) (KeyKind, bool) {
	switch class {
	case pkcs11.CKO_SECRET_KEY:
		return KindSecret, true
	case pkcs11.CKO_PUBLIC_KEY:
		return KindPublic, true
	case pkcs11.CKO_PRIVATE_KEY:
		return KindPrivate, true
	}
	return "", false
}

// KeyAlgorithm describes the algorithm of the key
type KeyAlgorithm interface {
	AlgorithmName() string
}

// EcKeyAlgorithm is the algorithm of ECDSA and ECDH keys
type EcKeyAlgorithm struct {
	Name       string `json:"name"`
	NamedCurve string `json:"namedCurve"`
}

// AlgorithmName returns the algorithm name
func (a *EcKeyAlgorithm) AlgorithmName() string {
	return a.Name
}

// HmacKeyAlgorithm is the algorithm of HMAC keys
type HmacKeyAlgorithm struct {
	Name string `json:"name"`
	// Hash is the name of the hash, e.g. SHA-256
	Hash string `json:"hash"`
	// Length in bits
	Length int `json:"length"`
}

// AlgorithmName returns the algorithm name
func (a *HmacKeyAlgorithm) AlgorithmName() string {
	return a.Name
}

// Key is a token key with immutable algorithm and usages
type Key struct {
	*Object

	kind        KeyKind
	algorithm   KeyAlgorithm
	usages      Usages
	extractable bool
	rawID       []byte
}

// NewKey returns the key wrapper.
// The algorithm and usages are copied.
func NewKey(obj *Object, kind KeyKind, alg KeyAlgorithm, extractable bool, usages Usages, rawID []byte) *Key {
	return &Key{
		Object:      obj,
		kind:        kind,
		algorithm:   cloneAlgorithm(alg),
		usages:      usages.Clone(),
		extractable: extractable,
		rawID:       append([]byte(nil), rawID...),
	}
}

// Kind returns the kind of the key
func (k *Key) Kind() KeyKind {
	return k.kind
}

// Algorithm returns the algorithm descriptor
func (k *Key) Algorithm() KeyAlgorithm {
	return cloneAlgorithm(k.algorithm)
}

// Usages returns the allowed usages
func (k *Key) Usages() Usages {
	return k.usages.Clone()
}

// Extractable returns true if the key material can be exported
func (k *Key) Extractable() bool {
	return k.extractable
}

// RawID returns CKA_ID of the key
func (k *Key) RawID() []byte {
	return k.rawID
}

// Identity returns the storage identifier of the key
func (k *Key) Identity() (string, error) {
	switch k.kind {
	case KindSecret, KindPublic, KindPrivate:
		return Identity(string(k.kind), k.handle, k.rawID)
	}
	return "", cryptoerr.Configurationf("unsupported key kind: %q", k.kind)
}

// IsSensitive returns CKA_SENSITIVE of private and secret keys,
// public keys are never sensitive
func (k *Key) IsSensitive(ctx context.Context) bool {
	if k.kind == KindPublic {
		return false
	}
	return crypto11.BytesToBool(k.lenient(ctx, pkcs11.CKA_SENSITIVE))
}

func cloneAlgorithm(alg KeyAlgorithm) KeyAlgorithm {
	var c KeyAlgorithm
	switch a := alg.(type) {
	case *EcKeyAlgorithm:
		c = new(EcKeyAlgorithm)
	case *HmacKeyAlgorithm:
		c = new(HmacKeyAlgorithm)
	default:
		return a
	}
	if err := copier.Copy(c, alg); err != nil {
		logger.KV(xlog.ERROR, "reason", "copy_algorithm", "err", err.Error())
		return alg
	}
	return c
}
