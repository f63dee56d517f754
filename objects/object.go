package objects

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11crypto/crypto11"
	"github.com/effective-security/p11crypto/cryptoerr"
	"github.com/effective-security/xlog"
	"github.com/miekg/pkcs11"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/p11crypto", "objects")

// Session provides serialized access to the token session,
// *crypto11.PKCS11Lib implements it
type Session interface {
	Do(ctx context.Context, fn crypto11.SessionFunc) error
	Generation() uint64
}

// Object is a wrapper over the token handle,
// stamped with the generation of the session it was obtained in.
// It never holds key material.
type Object struct {
	session    Session
	handle     pkcs11.ObjectHandle
	generation uint64
}

// NewObject returns the wrapper of the handle in the current session
func NewObject(s Session, h pkcs11.ObjectHandle) *Object {
	return &Object{
		session:    s,
		handle:     h,
		generation: s.Generation(),
	}
}

// Handle returns the token handle
func (o *Object) Handle() pkcs11.ObjectHandle {
	return o.handle
}

// Session returns the session the object belongs to
func (o *Object) Session() Session {
	return o.session
}

// Alive returns false when the session was reset
// after the object was obtained
func (o *Object) Alive() bool {
	return o.generation == o.session.Generation()
}

// Do executes fn with the session, if the object is alive
func (o *Object) Do(ctx context.Context, fn crypto11.SessionFunc) error {
	return o.session.Do(ctx, func(m crypto11.Module, sh pkcs11.SessionHandle) error {
		if !o.Alive() {
			return errors.WithStack(cryptoerr.ErrStaleObject)
		}
		return fn(m, sh)
	})
}

// Attributes returns the values of the requested attributes
func (o *Object) Attributes(ctx context.Context, types ...uint) (map[uint][]byte, error) {
	template := make([]*pkcs11.Attribute, len(types))
	for i, typ := range types {
		template[i] = pkcs11.NewAttribute(typ, nil)
	}

	res := make(map[uint][]byte, len(types))
	err := o.Do(ctx, func(m crypto11.Module, sh pkcs11.SessionHandle) error {
		attrs, err := m.GetAttributeValue(sh, o.handle, template)
		if err != nil {
			return cryptoerr.Token("C_GetAttributeValue", err)
		}
		for _, a := range attrs {
			res[a.Type] = a.Value
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Attribute returns the value of the attribute
func (o *Object) Attribute(ctx context.Context, typ uint) ([]byte, error) {
	attrs, err := o.Attributes(ctx, typ)
	if err != nil {
		return nil, err
	}
	return attrs[typ], nil
}

// Class returns CKA_CLASS of the object
func (o *Object) Class(ctx context.Context) (uint, error) {
	val, err := o.Attribute(ctx, pkcs11.CKA_CLASS)
	if err != nil {
		return 0, err
	}
	return crypto11.BytesToUlong(val), nil
}

// IsToken returns CKA_TOKEN of the object,
// or false if the object is not reachable
func (o *Object) IsToken(ctx context.Context) bool {
	return crypto11.BytesToBool(o.lenient(ctx, pkcs11.CKA_TOKEN))
}

// Label returns CKA_LABEL of the object,
// or empty string if the object is not reachable
func (o *Object) Label(ctx context.Context) string {
	return string(o.lenient(ctx, pkcs11.CKA_LABEL))
}

// Destroy destroys the token object
func (o *Object) Destroy(ctx context.Context) error {
	return o.Do(ctx, func(m crypto11.Module, sh pkcs11.SessionHandle) error {
		return cryptoerr.Token("C_DestroyObject", m.DestroyObject(sh, o.handle))
	})
}

// lenient returns the attribute value, or nil on any failure
func (o *Object) lenient(ctx context.Context, typ uint) []byte {
	val, err := o.Attribute(ctx, typ)
	if err != nil {
		logger.KV(xlog.DEBUG, "handle", o.handle, "attr", typ, "err", err.Error())
		return nil
	}
	return val
}
