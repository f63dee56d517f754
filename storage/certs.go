package storage

import (
	"bytes"
	"context"
	"encoding/asn1"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11crypto/certutil"
	"github.com/effective-security/p11crypto/crypto11"
	"github.com/effective-security/p11crypto/cryptoerr"
	"github.com/effective-security/p11crypto/metricskey"
	"github.com/effective-security/p11crypto/objects"
	"github.com/effective-security/xlog"
	"github.com/miekg/pkcs11"
)

const certsStorage = "certs"

// Application is CKA_APPLICATION of the data objects
// holding certificate requests
const Application = "webcrypto-p11"

// CertFormat specifies the encoding of exported certificates
type CertFormat string

// Certificate formats
const (
	FormatRaw CertFormat = "raw"
	FormatPEM CertFormat = "pem"
)

// CertOptions are the attributes of the imported certificate
type CertOptions struct {
	Token *bool   `json:"token,omitempty" yaml:"token,omitempty"`
	Label *string `json:"label,omitempty" yaml:"label,omitempty"`
}

// CertStorage is the collection of X.509 certificates and
// certificate requests visible to the session
type CertStorage struct {
	session objects.Session
}

// NewCertStorage returns the certificate storage over the session
func NewCertStorage(s objects.Session) *CertStorage {
	return &CertStorage{session: s}
}

func requestsTemplate() []*pkcs11.Attribute {
	return []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_DATA),
		pkcs11.NewAttribute(pkcs11.CKA_APPLICATION, Application),
	}
}

func certificatesTemplate() []*pkcs11.Attribute {
	return []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
		pkcs11.NewAttribute(pkcs11.CKA_CERTIFICATE_TYPE, pkcs11.CKC_X_509),
	}
}

// Keys returns the identities of the certificates and requests
func (s *CertStorage) Keys(ctx context.Context) ([]string, error) {
	defer metricskey.PerfStorageOperation.MeasureSince(time.Now(), certsStorage, "keys")

	var list []string
	for _, q := range []struct {
		kind     objects.CertKind
		template []*pkcs11.Attribute
		idAttr   uint
	}{
		{objects.KindRequest, requestsTemplate(), pkcs11.CKA_OBJECT_ID},
		{objects.KindX509, certificatesTemplate(), pkcs11.CKA_ID},
	} {
		handles, err := findObjects(ctx, s.session, q.template)
		if err != nil {
			return nil, err
		}
		ids, err := readAttribute(ctx, s.session, handles, q.idAttr)
		if err != nil {
			return nil, err
		}
		for _, h := range handles {
			id, err := objects.Identity(string(q.kind), h, ids[h])
			if err != nil {
				return nil, err
			}
			list = append(list, id)
		}
	}
	return list, nil
}

// GetItem returns the certificate by identity, or ErrNotFound
func (s *CertStorage) GetItem(ctx context.Context, id string) (*objects.Certificate, error) {
	defer metricskey.PerfStorageOperation.MeasureSince(time.Now(), certsStorage, "get")

	category, h, rawID, err := objects.ParseIdentity(id)
	if err != nil {
		return nil, err
	}
	kind := objects.CertKind(category)
	if kind != objects.KindRequest && kind != objects.KindX509 {
		return nil, cryptoerr.NotFoundf("not a certificate identity: %s", id)
	}

	cert, err := s.load(ctx, objects.NewObject(s.session, h), id)
	if err != nil {
		return nil, err
	}
	if cert.Kind() != kind || !bytes.Equal(cert.RawID(), rawID) {
		return nil, cryptoerr.NotFoundf("certificate not found: %s", id)
	}
	return cert, nil
}

// HasItem returns true if the certificate with identity exists
func (s *CertStorage) HasItem(ctx context.Context, id string) (bool, error) {
	_, err := s.GetItem(ctx, id)
	if err != nil {
		if errors.Is(err, cryptoerr.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// IndexOf returns the identity of the certificate, if it is a token object,
// or empty string otherwise
func (s *CertStorage) IndexOf(ctx context.Context, cert *objects.Certificate) (string, error) {
	if cert == nil || !cert.Alive() || !cert.IsToken(ctx) {
		return "", nil
	}
	return cert.Identity()
}

// RemoveItem destroys the certificate with identity,
// a missing certificate is not an error
func (s *CertStorage) RemoveItem(ctx context.Context, id string) error {
	cert, err := s.GetItem(ctx, id)
	if err != nil {
		if errors.Is(err, cryptoerr.ErrNotFound) {
			logger.KV(xlog.DEBUG, "reason", "not_found", "id", id)
			return nil
		}
		return err
	}

	defer metricskey.PerfStorageOperation.MeasureSince(time.Now(), certsStorage, "remove")
	return cert.Destroy(ctx)
}

// Clear destroys the session certificates and requests,
// the token objects are not affected
func (s *CertStorage) Clear(ctx context.Context) error {
	defer metricskey.PerfStorageOperation.MeasureSince(time.Now(), certsStorage, "clear")

	for _, template := range [][]*pkcs11.Attribute{requestsTemplate(), certificatesTemplate()} {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_TOKEN, false))
		count, err := destroyObjects(ctx, s.session, template)
		if err != nil {
			return err
		}
		logger.KV(xlog.DEBUG, "reason", "cleared", "count", count)
	}
	return nil
}

// ImportCert creates the certificate object from DER or PEM encoded data
func (s *CertStorage) ImportCert(ctx context.Context, kind objects.CertKind, data []byte, opts *CertOptions) (*objects.Certificate, error) {
	if opts == nil {
		opts = &CertOptions{}
	}

	var (
		template []*pkcs11.Attribute
		rawID    []byte
		value    []byte
		spki     []byte
		label    string
	)
	switch kind {
	case objects.KindX509:
		crt, err := certutil.ParseCertificate(data)
		if err != nil {
			return nil, errors.Mark(err, cryptoerr.ErrUnsupportedAlgorithm)
		}
		serial, err := asn1.Marshal(crt.SerialNumber)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		value, spki = crt.Raw, crt.RawSubjectPublicKeyInfo
		rawID = objects.PublicKeyID(spki)
		label = "X509 Certificate"
		if crt.Subject.CommonName != "" {
			label = crt.Subject.CommonName
		}
		template = []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
			pkcs11.NewAttribute(pkcs11.CKA_CERTIFICATE_TYPE, pkcs11.CKC_X_509),
			pkcs11.NewAttribute(pkcs11.CKA_ID, rawID),
			pkcs11.NewAttribute(pkcs11.CKA_SUBJECT, crt.RawSubject),
			pkcs11.NewAttribute(pkcs11.CKA_ISSUER, crt.RawIssuer),
			pkcs11.NewAttribute(pkcs11.CKA_SERIAL_NUMBER, serial),
		}
	case objects.KindRequest:
		csr, err := certutil.ParseRequest(data)
		if err != nil {
			return nil, errors.Mark(err, cryptoerr.ErrUnsupportedAlgorithm)
		}
		value, spki = csr.Raw, csr.RawSubjectPublicKeyInfo
		rawID = objects.PublicKeyID(spki)
		label = "X509 Request"
		template = []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_DATA),
			pkcs11.NewAttribute(pkcs11.CKA_APPLICATION, Application),
			pkcs11.NewAttribute(pkcs11.CKA_OBJECT_ID, rawID),
		}
	default:
		return nil, cryptoerr.UnsupportedAlgorithmf("unsupported certificate type: %q", kind)
	}

	if opts.Label != nil {
		label = *opts.Label
	}
	template = append(template,
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, opts.Token != nil && *opts.Token),
		pkcs11.NewAttribute(pkcs11.CKA_PRIVATE, false),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
		pkcs11.NewAttribute(pkcs11.CKA_VALUE, value),
	)

	defer metricskey.PerfStorageOperation.MeasureSince(time.Now(), certsStorage, "import")

	var h pkcs11.ObjectHandle
	err := s.session.Do(ctx, func(m crypto11.Module, sh pkcs11.SessionHandle) error {
		var err error
		h, err = m.CreateObject(sh, template)
		return cryptoerr.Token("C_CreateObject", err)
	})
	if err != nil {
		return nil, err
	}
	return objects.NewCertificate(objects.NewObject(s.session, h), kind, rawID, value, spki), nil
}

// ExportCert returns the certificate as DER or PEM
func (s *CertStorage) ExportCert(ctx context.Context, cert *objects.Certificate, format CertFormat) ([]byte, error) {
	if cert == nil {
		return nil, cryptoerr.KeyTypef("certificate is not provided")
	}
	var pemType string
	switch cert.Kind() {
	case objects.KindX509:
		pemType = certutil.PemTypeCertificate
	case objects.KindRequest:
		pemType = certutil.PemTypeRequest
	default:
		return nil, cryptoerr.Configurationf("unsupported certificate kind: %q", cert.Kind())
	}
	if format != FormatRaw && format != FormatPEM {
		return nil, cryptoerr.UnsupportedAlgorithmf("unsupported certificate format: %q", format)
	}

	defer metricskey.PerfStorageOperation.MeasureSince(time.Now(), certsStorage, "export")

	der, err := cert.Attribute(ctx, pkcs11.CKA_VALUE)
	if err != nil {
		return nil, err
	}
	if format == FormatPEM {
		return certutil.EncodeToPEM(pemType, der), nil
	}
	return der, nil
}

// load classifies the storage object by its shape
func (s *CertStorage) load(ctx context.Context, obj *objects.Object, id string) (*objects.Certificate, error) {
	class, err := attributes(ctx, obj, id, pkcs11.CKA_CLASS)
	if err != nil {
		return nil, err
	}

	switch crypto11.BytesToUlong(class[pkcs11.CKA_CLASS]) {
	case pkcs11.CKO_DATA:
		app, err := shapeAttribute(ctx, obj, id, pkcs11.CKA_APPLICATION)
		if err != nil {
			return nil, err
		}
		if string(app) != Application {
			break
		}
		attrs, err := attributes(ctx, obj, id, pkcs11.CKA_OBJECT_ID, pkcs11.CKA_VALUE)
		if err != nil {
			return nil, err
		}
		csr, err := certutil.ParseRequest(attrs[pkcs11.CKA_VALUE])
		if err != nil {
			return nil, errors.Mark(errors.WithMessage(err, "unsupported PKCS#11 object"), cryptoerr.ErrConfiguration)
		}
		return objects.NewCertificate(obj, objects.KindRequest, attrs[pkcs11.CKA_OBJECT_ID], csr.Raw, csr.RawSubjectPublicKeyInfo), nil
	case pkcs11.CKO_CERTIFICATE:
		typ, err := shapeAttribute(ctx, obj, id, pkcs11.CKA_CERTIFICATE_TYPE)
		if err != nil {
			return nil, err
		}
		if typ == nil || crypto11.BytesToUlong(typ) != pkcs11.CKC_X_509 {
			break
		}
		attrs, err := attributes(ctx, obj, id, pkcs11.CKA_ID, pkcs11.CKA_VALUE)
		if err != nil {
			return nil, err
		}
		crt, err := certutil.ParseCertificate(attrs[pkcs11.CKA_VALUE])
		if err != nil {
			return nil, errors.Mark(errors.WithMessage(err, "unsupported PKCS#11 object"), cryptoerr.ErrConfiguration)
		}
		return objects.NewCertificate(obj, objects.KindX509, attrs[pkcs11.CKA_ID], crt.Raw, crt.RawSubjectPublicKeyInfo), nil
	}
	return nil, cryptoerr.Configurationf("unsupported PKCS#11 object: %s", id)
}

// shapeAttribute returns the attribute that tells the kind of the object,
// nil if the object does not have it
func shapeAttribute(ctx context.Context, obj *objects.Object, id string, typ uint) ([]byte, error) {
	attrs, err := attributes(ctx, obj, id, typ)
	if err != nil {
		if cryptoerr.HasCode(err, pkcs11.CKR_ATTRIBUTE_TYPE_INVALID) {
			return nil, nil
		}
		return nil, err
	}
	return attrs[typ], nil
}
