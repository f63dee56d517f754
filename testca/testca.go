// Package testca issues test certificates and certificate requests
package testca

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"sync/atomic"
	"time"
)

var serialNumber int64

// Entity is a certificate and its private key
type Entity struct {
	Subject          pkix.Name
	Issuer           *Entity
	PrivateKey       crypto.Signer
	Certificate      *x509.Certificate
	NextSerialNumber int64
	IsCA             bool
	KeyUsage         x509.KeyUsage
	ExtKeyUsage      []x509.ExtKeyUsage
	DNSNames         []string
	NotBefore        time.Time
	NotAfter         time.Time
}

// Option customizes the entity
type Option func(*Entity)

// Authority specifies the entity to be CA
func Authority(e *Entity) {
	e.IsCA = true
}

// Subject sets the subject name
func Subject(value pkix.Name) Option {
	return func(e *Entity) {
		e.Subject = value
	}
}

// Issuer sets the issuer, self-signed if not provided
func Issuer(value *Entity) Option {
	return func(e *Entity) {
		e.Issuer = value
	}
}

// PrivateKey sets the private key, P-256 key is generated if not provided
func PrivateKey(value crypto.Signer) Option {
	return func(e *Entity) {
		e.PrivateKey = value
	}
}

// NextSerialNumber sets the serial number of the certificate
func NextSerialNumber(value int64) Option {
	return func(e *Entity) {
		e.NextSerialNumber = value
	}
}

// KeyUsage sets the key usage
func KeyUsage(value x509.KeyUsage) Option {
	return func(e *Entity) {
		e.KeyUsage = value
	}
}

// ExtKeyUsage adds the extended key usage
func ExtKeyUsage(value x509.ExtKeyUsage) Option {
	return func(e *Entity) {
		e.ExtKeyUsage = append(e.ExtKeyUsage, value)
	}
}

// DNSName adds SAN
func DNSName(value string) Option {
	return func(e *Entity) {
		e.DNSNames = append(e.DNSNames, value)
	}
}

// NotBefore sets the validity start
func NotBefore(value time.Time) Option {
	return func(e *Entity) {
		e.NotBefore = value
	}
}

// NotAfter sets the validity end
func NotAfter(value time.Time) Option {
	return func(e *Entity) {
		e.NotAfter = value
	}
}

// NewEntity returns the entity with a certificate,
// it panics on failure
func NewEntity(opts ...Option) *Entity {
	e := &Entity{
		Subject:   pkix.Name{CommonName: "[TEST] entity"},
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter:  time.Now().Add(time.Hour),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.PrivateKey == nil {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			panic(err)
		}
		e.PrivateKey = key
	}
	if e.NextSerialNumber == 0 {
		e.NextSerialNumber = atomic.AddInt64(&serialNumber, 1)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(e.NextSerialNumber),
		Subject:               e.Subject,
		NotBefore:             e.NotBefore,
		NotAfter:              e.NotAfter,
		KeyUsage:              e.KeyUsage,
		ExtKeyUsage:           e.ExtKeyUsage,
		DNSNames:              e.DNSNames,
		IsCA:                  e.IsCA,
		BasicConstraintsValid: e.IsCA,
	}

	parent, signer := tmpl, e.PrivateKey
	if e.Issuer != nil {
		parent, signer = e.Issuer.Certificate, e.Issuer.PrivateKey
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, e.PrivateKey.Public(), signer)
	if err != nil {
		panic(err)
	}
	e.Certificate, err = x509.ParseCertificate(der)
	if err != nil {
		panic(err)
	}
	return e
}

// Issue returns the entity issued by e
func (e *Entity) Issue(opts ...Option) *Entity {
	return NewEntity(append([]Option{Issuer(e)}, opts...)...)
}

// Chain returns the chain of the certificates up to the root
func (e *Entity) Chain() []*x509.Certificate {
	var chain []*x509.Certificate
	for c := e; c != nil; c = c.Issuer {
		chain = append(chain, c.Certificate)
	}
	return chain
}

// Request returns DER encoded certificate request
// for the subject and the key of the entity
func (e *Entity) Request() []byte {
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  e.Subject,
		DNSNames: e.DNSNames,
	}, e.PrivateKey)
	if err != nil {
		panic(err)
	}
	return der
}
