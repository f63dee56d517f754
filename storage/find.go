package storage

import (
	"context"

	"github.com/effective-security/p11crypto/crypto11"
	"github.com/effective-security/p11crypto/cryptoerr"
	"github.com/effective-security/p11crypto/objects"
	"github.com/effective-security/xlog"
	"github.com/miekg/pkcs11"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/p11crypto", "storage")

// maxFindObjects is the batch size of C_FindObjects
const maxFindObjects = 64

// findObjects returns the handles of the objects matching the template
func findObjects(ctx context.Context, s objects.Session, template []*pkcs11.Attribute) ([]pkcs11.ObjectHandle, error) {
	var handles []pkcs11.ObjectHandle
	err := s.Do(ctx, func(m crypto11.Module, sh pkcs11.SessionHandle) error {
		if err := m.FindObjectsInit(sh, template); err != nil {
			return cryptoerr.Token("C_FindObjectsInit", err)
		}
		defer func() {
			if err := m.FindObjectsFinal(sh); err != nil {
				logger.KV(xlog.ERROR, "reason", "find_final", "err", err.Error())
			}
		}()

		for {
			list, more, err := m.FindObjects(sh, maxFindObjects)
			if err != nil {
				return cryptoerr.Token("C_FindObjects", err)
			}
			handles = append(handles, list...)
			if !more || len(list) == 0 {
				return nil
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return handles, nil
}

// readAttribute returns the attribute of each handle,
// an object that failed the read is skipped
func readAttribute(ctx context.Context, s objects.Session, handles []pkcs11.ObjectHandle, typ uint) (map[pkcs11.ObjectHandle][]byte, error) {
	res := make(map[pkcs11.ObjectHandle][]byte, len(handles))
	err := s.Do(ctx, func(m crypto11.Module, sh pkcs11.SessionHandle) error {
		for _, h := range handles {
			attrs, err := m.GetAttributeValue(sh, h, []*pkcs11.Attribute{pkcs11.NewAttribute(typ, nil)})
			if err != nil || len(attrs) == 0 {
				logger.KV(xlog.DEBUG, "reason", "skip", "handle", h, "attr", typ, "err", err)
				continue
			}
			res[h] = attrs[0].Value
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// readFlags returns the boolean attributes of the object,
// an attribute that can not be read is false
func readFlags(ctx context.Context, obj *objects.Object, types ...uint) (map[uint]bool, error) {
	flags := make(map[uint]bool, len(types))
	err := obj.Do(ctx, func(m crypto11.Module, sh pkcs11.SessionHandle) error {
		for _, typ := range types {
			attrs, err := m.GetAttributeValue(sh, obj.Handle(), []*pkcs11.Attribute{pkcs11.NewAttribute(typ, nil)})
			if err != nil || len(attrs) == 0 {
				continue
			}
			flags[typ] = crypto11.BytesToBool(attrs[0].Value)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return flags, nil
}

// destroyObjects destroys the objects matching the template,
// and returns the number of destroyed objects
func destroyObjects(ctx context.Context, s objects.Session, template []*pkcs11.Attribute) (int, error) {
	handles, err := findObjects(ctx, s, template)
	if err != nil {
		return 0, err
	}
	count := 0
	err = s.Do(ctx, func(m crypto11.Module, sh pkcs11.SessionHandle) error {
		for _, h := range handles {
			if err := m.DestroyObject(sh, h); err != nil {
				return cryptoerr.Token("C_DestroyObject", err)
			}
			count++
		}
		return nil
	})
	return count, err
}

// attributes returns the attributes of the object in the storage,
// or ErrNotFound if the handle is not valid in the session
func attributes(ctx context.Context, obj *objects.Object, id string, types ...uint) (map[uint][]byte, error) {
	attrs, err := obj.Attributes(ctx, types...)
	if err != nil {
		if cryptoerr.HasCode(err, pkcs11.CKR_OBJECT_HANDLE_INVALID) {
			return nil, cryptoerr.NotFoundf("object not found: %s", id)
		}
		return nil, err
	}
	return attrs, nil
}

func sessionObjectsTemplate(class uint) []*pkcs11.Attribute {
	return []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, class),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, false),
	}
}
