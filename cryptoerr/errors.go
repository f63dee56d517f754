package cryptoerr

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/miekg/pkcs11"
)

// Local-origin error classes. Errors produced by this module are marked
// with one of these, so callers test them with errors.Is.
var (
	// ErrConfiguration is returned for an invalid slot index,
	// or an object of unsupported category.
	ErrConfiguration = errors.New("configuration error")
	// ErrUnsupportedAlgorithm is returned for an unmapped hash name,
	// an unrecognized key or certificate encoding,
	// or a capability the resolved provider does not implement.
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	// ErrKeyType is returned when a key does not match the invoking provider,
	// or does not allow the requested usage.
	ErrKeyType = errors.New("key type error")
	// ErrRange is returned when a requested length is out of range.
	ErrRange = errors.New("range error")
	// ErrNotFound is returned when storage has no item for the identity.
	ErrNotFound = errors.New("not found")
	// ErrStaleObject is returned when a wrapper outlived its session.
	ErrStaleObject = errors.New("stale object")
	// ErrNotExtractable is returned on export of a non-extractable key.
	ErrNotExtractable = errors.New("key is not extractable")
	// ErrClosed is returned on use of a closed module.
	ErrClosed = errors.New("module is closed")
)

// Configurationf returns a new error marked as ErrConfiguration
func Configurationf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrConfiguration)
}

// UnsupportedAlgorithmf returns a new error marked as ErrUnsupportedAlgorithm
func UnsupportedAlgorithmf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrUnsupportedAlgorithm)
}

// KeyTypef returns a new error marked as ErrKeyType
func KeyTypef(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrKeyType)
}

// Rangef returns a new error marked as ErrRange
func Rangef(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrRange)
}

// NotFoundf returns a new error marked as ErrNotFound
func NotFoundf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrNotFound)
}

// TokenError is a failure reported by the token's native call
type TokenError struct {
	// Op is the token call that failed, e.g. C_Login
	Op string
	// Code is the CKR_* return value
	Code pkcs11.Error
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, CodeName(uint(e.Code)))
}

// Token wraps a failure of the token call op.
// Returns nil when err is nil.
func Token(op string, err error) error {
	if err == nil {
		return nil
	}
	var code pkcs11.Error
	if errors.As(err, &code) {
		return errors.WithStack(&TokenError{Op: op, Code: code})
	}
	return errors.WithMessagef(err, "%s", op)
}

// Code returns the CKR_* return value carried by err
func Code(err error) (uint, bool) {
	var te *TokenError
	if errors.As(err, &te) {
		return uint(te.Code), true
	}
	var code pkcs11.Error
	if errors.As(err, &code) {
		return uint(code), true
	}
	return 0, false
}

// HasCode returns true if err carries the CKR_* return value code
func HasCode(err error, code uint) bool {
	c, ok := Code(err)
	return ok && c == code
}
