// Package objects provides wrappers of the token objects.
//
// A wrapper holds the handle and the generation of the session
// it was obtained in, the attributes are read from the token on demand.
// After the session is reset, the wrapper is stale and fails with
// cryptoerr.ErrStaleObject.
//
// The identity of the stored object has {category}-{handleHex}-{rawIdHex} form,
// where category is one of request, x509, public, private or secret.
package objects
