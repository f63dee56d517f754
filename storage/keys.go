package storage

import (
	"bytes"
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11crypto/crypto11"
	"github.com/effective-security/p11crypto/cryptoerr"
	"github.com/effective-security/p11crypto/cryptoprov"
	"github.com/effective-security/p11crypto/cryptoprov/eccrypto"
	"github.com/effective-security/p11crypto/cryptoprov/hmaccrypto"
	"github.com/effective-security/p11crypto/metricskey"
	"github.com/effective-security/p11crypto/objects"
	"github.com/effective-security/x/values"
	"github.com/effective-security/xlog"
	"github.com/miekg/pkcs11"
)

const keysStorage = "keys"

var keyClasses = []uint{
	pkcs11.CKO_PRIVATE_KEY,
	pkcs11.CKO_PUBLIC_KEY,
	pkcs11.CKO_SECRET_KEY,
}

// KeyStorage is the collection of private, public and secret keys
// visible to the session
type KeyStorage struct {
	session objects.Session
}

// NewKeyStorage returns the key storage over the session
func NewKeyStorage(s objects.Session) *KeyStorage {
	return &KeyStorage{session: s}
}

// Keys returns the identities of the keys
func (s *KeyStorage) Keys(ctx context.Context) ([]string, error) {
	defer metricskey.PerfStorageOperation.MeasureSince(time.Now(), keysStorage, "keys")

	var list []string
	for _, class := range keyClasses {
		kind, _ := objects.KeyKindByClass(class)
		handles, err := findObjects(ctx, s.session, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_CLASS, class),
		})
		if err != nil {
			return nil, err
		}
		ids, err := readAttribute(ctx, s.session, handles, pkcs11.CKA_ID)
		if err != nil {
			return nil, err
		}
		for _, h := range handles {
			id, err := objects.Identity(string(kind), h, ids[h])
			if err != nil {
				return nil, err
			}
			list = append(list, id)
		}
	}
	return list, nil
}

// GetItem returns the key by identity, or ErrNotFound
func (s *KeyStorage) GetItem(ctx context.Context, id string) (*objects.Key, error) {
	defer metricskey.PerfStorageOperation.MeasureSince(time.Now(), keysStorage, "get")

	category, h, rawID, err := objects.ParseIdentity(id)
	if err != nil {
		return nil, err
	}
	kind := objects.KeyKind(category)
	switch kind {
	case objects.KindPrivate, objects.KindPublic, objects.KindSecret:
	default:
		return nil, cryptoerr.NotFoundf("not a key identity: %s", id)
	}

	obj := objects.NewObject(s.session, h)
	attrs, err := attributes(ctx, obj, id, pkcs11.CKA_CLASS, pkcs11.CKA_KEY_TYPE, pkcs11.CKA_ID)
	if err != nil {
		return nil, err
	}
	class := crypto11.BytesToUlong(attrs[pkcs11.CKA_CLASS])
	if k, ok := objects.KeyKindByClass(class); !ok || k != kind || !bytes.Equal(attrs[pkcs11.CKA_ID], rawID) {
		return nil, cryptoerr.NotFoundf("key not found: %s", id)
	}

	return s.loadKey(ctx, obj, class, crypto11.BytesToUlong(attrs[pkcs11.CKA_KEY_TYPE]), rawID)
}

// HasItem returns true if the key with identity exists
func (s *KeyStorage) HasItem(ctx context.Context, id string) (bool, error) {
	_, err := s.GetItem(ctx, id)
	if err != nil {
		if errors.Is(err, cryptoerr.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// IndexOf returns the identity of the key, if it is a token object,
// or empty string otherwise
func (s *KeyStorage) IndexOf(ctx context.Context, key *objects.Key) (string, error) {
	if key == nil || !key.Alive() || !key.IsToken(ctx) {
		return "", nil
	}
	return key.Identity()
}

// SetItem stores the key on the token and returns its identity.
// The token key is returned as is, the session key is copied to the token.
func (s *KeyStorage) SetItem(ctx context.Context, key *objects.Key) (string, error) {
	if key == nil {
		return "", cryptoerr.KeyTypef("key is not provided")
	}
	if key.IsToken(ctx) {
		return key.Identity()
	}

	defer metricskey.PerfStorageOperation.MeasureSince(time.Now(), keysStorage, "set")

	var h pkcs11.ObjectHandle
	err := key.Do(ctx, func(m crypto11.Module, sh pkcs11.SessionHandle) error {
		var err error
		h, err = m.CopyObject(sh, key.Handle(), []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		})
		return cryptoerr.Token("C_CopyObject", err)
	})
	if err != nil {
		return "", err
	}

	id, err := objects.Identity(string(key.Kind()), h, key.RawID())
	if err != nil {
		return "", err
	}
	logger.KV(xlog.DEBUG, "reason", "copied", "from", key.Handle(), "id", id)
	return id, nil
}

// RemoveItem destroys the key with identity,
// a missing key is not an error
func (s *KeyStorage) RemoveItem(ctx context.Context, id string) error {
	key, err := s.GetItem(ctx, id)
	if err != nil {
		if errors.Is(err, cryptoerr.ErrNotFound) {
			logger.KV(xlog.DEBUG, "reason", "not_found", "id", id)
			return nil
		}
		return err
	}

	defer metricskey.PerfStorageOperation.MeasureSince(time.Now(), keysStorage, "remove")
	return key.Destroy(ctx)
}

// Clear destroys the session keys, the token keys are not affected
func (s *KeyStorage) Clear(ctx context.Context) error {
	defer metricskey.PerfStorageOperation.MeasureSince(time.Now(), keysStorage, "clear")

	for _, class := range keyClasses {
		count, err := destroyObjects(ctx, s.session, sessionObjectsTemplate(class))
		if err != nil {
			return err
		}
		logger.KV(xlog.DEBUG, "reason", "cleared", "class", crypto11.ObjectClassNames[class], "count", count)
	}
	return nil
}

// loadKey rebuilds the key from the token attributes
func (s *KeyStorage) loadKey(ctx context.Context, obj *objects.Object, class, keyType uint, rawID []byte) (*objects.Key, error) {
	kind, _ := objects.KeyKindByClass(class)

	types := make([]uint, 0, len(objects.UsageFlags)+1)
	types = append(types, objects.UsageFlags...)
	types = append(types, pkcs11.CKA_EXTRACTABLE)
	flags, err := readFlags(ctx, obj, types...)
	if err != nil {
		return nil, err
	}

	var alg objects.KeyAlgorithm
	switch keyType {
	case pkcs11.CKK_EC:
		params, err := obj.Attribute(ctx, pkcs11.CKA_EC_PARAMS)
		if err != nil {
			return nil, err
		}
		curve, err := eccrypto.CurveByParams(params)
		if err != nil {
			return nil, err
		}
		// ECDH keys carry no sign and verify flags
		alg = &objects.EcKeyAlgorithm{
			Name:       values.Select(flags[pkcs11.CKA_SIGN] || flags[pkcs11.CKA_VERIFY], cryptoprov.AlgECDSA, cryptoprov.AlgECDH),
			NamedCurve: curve.Name,
		}
	case pkcs11.CKK_GENERIC_SECRET:
		if kind != objects.KindSecret {
			return nil, cryptoerr.UnsupportedAlgorithmf("unsupported key class: %s", crypto11.ObjectClassNames[class])
		}
		val, err := obj.Attribute(ctx, pkcs11.CKA_VALUE_LEN)
		if err != nil {
			return nil, err
		}
		bits := int(crypto11.BytesToUlong(val)) << 3
		alg = &objects.HmacKeyAlgorithm{
			Name:   cryptoprov.AlgHMAC,
			Hash:   hmaccrypto.HashByLength(bits),
			Length: bits,
		}
	default:
		name := crypto11.KeyTypeNames[keyType]
		return nil, cryptoerr.UnsupportedAlgorithmf("unsupported key type: %s", values.Select(name != "", name, "unknown"))
	}

	extractable := kind == objects.KindPublic || flags[pkcs11.CKA_EXTRACTABLE]
	usages := objects.UsagesByFlags(class, flags)
	return objects.NewKey(obj, kind, alg, extractable, usages, rawID), nil
}
