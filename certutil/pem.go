package certutil

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"

	"github.com/cockroachdb/errors"
)

// PEM block types
const (
	PemTypeCertificate    = "CERTIFICATE"
	PemTypeRequest        = "CERTIFICATE REQUEST"
	PemTypeNewRequest     = "NEW CERTIFICATE REQUEST"
	PemTypePublicKey      = "PUBLIC KEY"
	pemPrefix             = "-----BEGIN "
	errMalformedPEMFormat = "unable to parse PEM: %s"
)

// IsPEM returns true if data starts with PEM header
func IsPEM(data []byte) bool {
	return bytes.HasPrefix(bytes.TrimSpace(data), []byte(pemPrefix))
}

// DecodeDER returns DER bytes of the first PEM block of one of the types,
// or data as is when it is not PEM encoded
func DecodeDER(data []byte, types ...string) ([]byte, error) {
	if !IsPEM(data) {
		if len(data) == 0 {
			return nil, errors.New("empty data")
		}
		return data, nil
	}

	block, _ := pem.Decode(bytes.TrimSpace(data))
	if block == nil {
		return nil, errors.Errorf(errMalformedPEMFormat, "no block")
	}
	for _, typ := range types {
		if block.Type == typ {
			return block.Bytes, nil
		}
	}
	return nil, errors.Errorf(errMalformedPEMFormat, "unexpected type "+block.Type)
}

// ParseCertificate returns Certificate parsed from DER or PEM
func ParseCertificate(data []byte) (*x509.Certificate, error) {
	der, err := DecodeDER(data, PemTypeCertificate)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.WithMessage(err, "unable to parse certificate")
	}
	return cert, nil
}

// ParseRequest returns CertificateRequest parsed from DER or PEM
func ParseRequest(data []byte) (*x509.CertificateRequest, error) {
	der, err := DecodeDER(data, PemTypeRequest, PemTypeNewRequest)
	if err != nil {
		return nil, err
	}
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, errors.WithMessage(err, "unable to parse certificate request")
	}
	return csr, nil
}

// ParseChainFromPEM returns Certificates parsed from PEM
func ParseChainFromPEM(chain []byte) ([]*x509.Certificate, error) {
	list := make([]*x509.Certificate, 0)
	var block *pem.Block
	// trim white space around PEM
	rest := bytes.TrimSpace(chain)
	for len(rest) != 0 {
		block, rest = pem.Decode(rest)
		if block == nil {
			return list, errors.Errorf(errMalformedPEMFormat, "potentially malformed PEM")
		}
		if block.Type == PemTypeCertificate {
			crt, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, errors.WithMessage(err, "failed to parse certificate")
			}
			list = append(list, crt)
		}
		rest = bytes.TrimSpace(rest)
	}
	return list, nil
}

// EncodeToPEM returns PEM encoded DER of the type
func EncodeToPEM(typ string, der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  typ,
		Bytes: der,
	})
}

// EncodeToPEMString returns PEM encoded DER of the type as string
func EncodeToPEMString(typ string, der []byte) string {
	return string(EncodeToPEM(typ, der))
}
