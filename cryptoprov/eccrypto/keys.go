package eccrypto

import (
	"context"
	"encoding/hex"
	"strings"

	"github.com/effective-security/p11crypto/crypto11"
	"github.com/effective-security/p11crypto/cryptoerr"
	"github.com/effective-security/p11crypto/cryptoprov"
	"github.com/effective-security/p11crypto/objects"
	"github.com/effective-security/x/slices"
	"github.com/effective-security/x/values"
	"github.com/effective-security/xlog"
	"github.com/miekg/pkcs11"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/p11crypto/cryptoprov", "eccrypto")

// ecBase implements key operations shared by ECDSA and ECDH
type ecBase struct {
	name    string
	session cryptoprov.Session

	publicUsages  []string
	privateUsages []string
}

// checkKeyType returns KeyType error if the key is not EC key of the provider,
// the usage is checked if it's not empty
func (b *ecBase) checkKeyType(key *objects.Key, usage string) (*Curve, error) {
	if usage != "" {
		if err := cryptoprov.CheckUsage(key, usage); err != nil {
			return nil, err
		}
	} else if key == nil {
		return nil, cryptoerr.KeyTypef("key is not provided")
	}

	alg, ok := key.Algorithm().(*objects.EcKeyAlgorithm)
	if !ok || !strings.EqualFold(alg.Name, b.name) {
		return nil, cryptoerr.KeyTypef("key is not %s key: %s", b.name, key.Algorithm().AlgorithmName())
	}
	c, err := CurveByName(alg.NamedCurve)
	if err != nil {
		return nil, cryptoerr.KeyTypef("key has unsupported curve: %s", alg.NamedCurve)
	}
	return c, nil
}

// checkKind returns KeyType error if the key is not of the kind
func checkKind(key *objects.Key, kind objects.KeyKind) error {
	if key.Kind() != kind {
		return cryptoerr.KeyTypef("expected %s key, got %s", kind, key.Kind())
	}
	return nil
}

// checkUsages returns KeyType error if the usages are not allowed for the kind
func (b *ecBase) checkUsages(kind objects.KeyKind, usages objects.Usages) error {
	var allowed []string
	switch kind {
	case objects.KindPublic:
		allowed = b.publicUsages
	case objects.KindPrivate:
		allowed = b.privateUsages
	default:
		allowed = append(append([]string{}, b.publicUsages...), b.privateUsages...)
	}
	for _, u := range usages {
		if !slices.ContainsString(allowed, u) {
			return cryptoerr.KeyTypef("%q usage is not allowed for %s %s key", u, b.name, kind)
		}
	}
	return nil
}

func (b *ecBase) generateKeyPair(ctx context.Context, alg cryptoprov.Algorithm, extractable bool, usages objects.Usages) (*cryptoprov.KeyPair, error) {
	params, ok := alg.(*cryptoprov.EcKeyGenParams)
	if !ok {
		return nil, cryptoerr.UnsupportedAlgorithmf("invalid %s key generation parameters: %T", b.name, alg)
	}
	c, err := CurveByName(params.NamedCurve)
	if err != nil {
		return nil, err
	}
	if len(usages) == 0 {
		return nil, cryptoerr.KeyTypef("usages are not provided")
	}
	if err = b.checkUsages("", usages); err != nil {
		return nil, err
	}
	if !b.session.MechanismSupported(pkcs11.CKM_EC_KEY_PAIR_GEN) {
		return nil, cryptoerr.UnsupportedAlgorithmf("token does not support CKM_EC_KEY_PAIR_GEN")
	}

	pubUsages := usages.Filter(b.publicUsages...)
	privUsages := usages.Filter(b.privateUsages...)
	defaults := b.session.Defaults()

	pubTemplate := objects.NewKeyTemplate(pkcs11.CKO_PUBLIC_KEY, pkcs11.CKK_EC, defaults).
		ApplyUsages(pubUsages).
		ApplyOptions(&params.KeyOptions).
		Set(pkcs11.CKA_EC_PARAMS, c.Params)
	privTemplate := objects.NewKeyTemplate(pkcs11.CKO_PRIVATE_KEY, pkcs11.CKK_EC, defaults).
		ApplyUsages(privUsages).
		ApplyOptions(&params.KeyOptions)
	privTemplate.Extractable = extractable

	var pubHandle, privHandle pkcs11.ObjectHandle
	var id []byte
	err = b.session.Do(ctx, func(m crypto11.Module, sh pkcs11.SessionHandle) error {
		var err error
		pubHandle, privHandle, err = m.GenerateKeyPair(sh,
			[]*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_EC_KEY_PAIR_GEN, nil)},
			pubTemplate.Attributes(),
			privTemplate.Attributes())
		if err != nil {
			return cryptoerr.Token("C_GenerateKeyPair", err)
		}

		id, err = assignID(m, sh, c, pubHandle, privHandle)
		if err != nil {
			destroyObjects(m, sh, pubHandle, privHandle)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.KV(xlog.DEBUG,
		"reason", "generated",
		"alg", b.name,
		"curve", c.Name,
		"id", hex.EncodeToString(id))

	keyAlg := &objects.EcKeyAlgorithm{Name: b.name, NamedCurve: c.Name}
	return &cryptoprov.KeyPair{
		PublicKey:  objects.NewKey(objects.NewObject(b.session, pubHandle), objects.KindPublic, keyAlg, true, pubUsages, id),
		PrivateKey: objects.NewKey(objects.NewObject(b.session, privHandle), objects.KindPrivate, keyAlg, extractable, privUsages, id),
	}, nil
}

// assignID sets CKA_ID of the generated key pair
// to the identifier of its public key
func assignID(m crypto11.Module, sh pkcs11.SessionHandle, c *Curve, pub, priv pkcs11.ObjectHandle) ([]byte, error) {
	attrs, err := m.GetAttributeValue(sh, pub, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_EC_POINT, nil),
	})
	if err != nil {
		return nil, cryptoerr.Token("C_GetAttributeValue", err)
	}
	point, err := ParseECPoint(c, attrs[0].Value)
	if err != nil {
		return nil, err
	}
	spki, err := MarshalSPKI(c, point)
	if err != nil {
		return nil, err
	}

	id := objects.PublicKeyID(spki)
	template := []*pkcs11.Attribute{pkcs11.NewAttribute(pkcs11.CKA_ID, id)}
	for _, h := range []pkcs11.ObjectHandle{pub, priv} {
		if err = m.SetAttributeValue(sh, h, template); err != nil {
			return nil, cryptoerr.Token("C_SetAttributeValue", err)
		}
	}
	return id, nil
}

func destroyObjects(m crypto11.Module, sh pkcs11.SessionHandle, handles ...pkcs11.ObjectHandle) {
	for _, h := range handles {
		if err := m.DestroyObject(sh, h); err != nil {
			logger.KV(xlog.ERROR, "reason", "destroy", "handle", h, "err", err.Error())
		}
	}
}

func (b *ecBase) importKey(ctx context.Context, format cryptoprov.KeyFormat, data []byte, alg cryptoprov.Algorithm, extractable bool, usages objects.Usages) (*objects.Key, error) {
	params, ok := alg.(*cryptoprov.EcKeyImportParams)
	if !ok {
		return nil, cryptoerr.UnsupportedAlgorithmf("invalid %s key import parameters: %T", b.name, alg)
	}
	c, err := CurveByName(params.NamedCurve)
	if err != nil {
		return nil, err
	}

	var point, d []byte
	var kc *Curve
	switch format {
	case cryptoprov.FormatRaw:
		if err = c.ValidatePoint(data); err != nil {
			return nil, err
		}
		point = data
	case cryptoprov.FormatSPKI:
		if kc, point, err = ParseSPKI(data); err == nil && kc != c {
			err = cryptoerr.UnsupportedAlgorithmf("SPKI curve %s does not match %s", kc.Name, c.Name)
		}
	case cryptoprov.FormatPKCS8:
		if kc, d, point, err = ParsePKCS8(data); err == nil && kc != c {
			err = cryptoerr.UnsupportedAlgorithmf("PKCS#8 curve %s does not match %s", kc.Name, c.Name)
		}
	case cryptoprov.FormatJWK:
		var jwk *cryptoprov.JSONWebKey
		if jwk, err = cryptoprov.ParseJWK(data); err == nil {
			if err = jwk.CheckImport(cryptoprov.KtyEC, extractable, usages); err == nil {
				point, d, err = fromJWK(c, jwk)
			}
		}
	default:
		return nil, cryptoprov.FormatError(format, "")
	}
	if err != nil {
		return nil, err
	}

	kind := values.Select(len(d) > 0, objects.KindPrivate, objects.KindPublic)
	if err = b.checkUsages(kind, usages); err != nil {
		return nil, err
	}

	spki, err := MarshalSPKI(c, point)
	if err != nil {
		return nil, err
	}
	id := objects.PublicKeyID(spki)

	var template *objects.KeyTemplate
	if kind == objects.KindPrivate {
		template = objects.NewKeyTemplate(pkcs11.CKO_PRIVATE_KEY, pkcs11.CKK_EC, b.session.Defaults()).
			Set(pkcs11.CKA_VALUE, d)
		template.Extractable = extractable
	} else {
		template = objects.NewKeyTemplate(pkcs11.CKO_PUBLIC_KEY, pkcs11.CKK_EC, b.session.Defaults()).
			Set(pkcs11.CKA_EC_POINT, MarshalECPoint(point))
		// public keys are always extractable
		extractable = true
	}
	template.ApplyUsages(usages).
		ApplyOptions(&params.KeyOptions).
		Set(pkcs11.CKA_EC_PARAMS, c.Params)
	template.ID = id

	var h pkcs11.ObjectHandle
	err = b.session.Do(ctx, func(m crypto11.Module, sh pkcs11.SessionHandle) error {
		var err error
		h, err = m.CreateObject(sh, template.Attributes())
		return cryptoerr.Token("C_CreateObject", err)
	})
	if err != nil {
		return nil, err
	}

	keyAlg := &objects.EcKeyAlgorithm{Name: b.name, NamedCurve: c.Name}
	return objects.NewKey(objects.NewObject(b.session, h), kind, keyAlg, extractable, usages, id), nil
}

func (b *ecBase) exportKey(ctx context.Context, format cryptoprov.KeyFormat, key *objects.Key) ([]byte, error) {
	c, err := b.checkKeyType(key, "")
	if err != nil {
		return nil, err
	}
	if !key.Extractable() {
		return nil, cryptoerr.ErrNotExtractable
	}

	switch key.Kind() {
	case objects.KindPublic:
		switch format {
		case cryptoprov.FormatRaw, cryptoprov.FormatSPKI, cryptoprov.FormatJWK:
		default:
			return nil, cryptoprov.FormatError(format, key.Kind())
		}
		val, err := key.Attribute(ctx, pkcs11.CKA_EC_POINT)
		if err != nil {
			return nil, err
		}
		point, err := ParseECPoint(c, val)
		if err != nil {
			return nil, err
		}
		switch format {
		case cryptoprov.FormatRaw:
			return point, nil
		case cryptoprov.FormatSPKI:
			return MarshalSPKI(c, point)
		}
		return exportJWK(c, point, nil, key)

	case objects.KindPrivate:
		switch format {
		case cryptoprov.FormatPKCS8, cryptoprov.FormatJWK:
		default:
			return nil, cryptoprov.FormatError(format, key.Kind())
		}
		d, err := key.Attribute(ctx, pkcs11.CKA_VALUE)
		if err != nil {
			return nil, err
		}
		point, err := c.PublicPoint(d)
		if err != nil {
			return nil, err
		}
		if format == cryptoprov.FormatPKCS8 {
			return MarshalPKCS8(c, d, point)
		}
		return exportJWK(c, point, d, key)
	}
	return nil, cryptoprov.FormatError(format, key.Kind())
}

func exportJWK(c *Curve, point, d []byte, key *objects.Key) ([]byte, error) {
	jwk := toJWK(c, point, d)
	ext := true
	jwk.Ext = &ext
	jwk.KeyOps = key.Usages()
	return jwk.Marshal()
}
