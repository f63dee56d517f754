// Package storage presents the keys and certificates visible to the token
// session as collections indexed by the object identity.
//
// The identity has {category}-{handleHex}-{rawIdHex} form,
// see objects.Identity. The storage never fabricates objects:
// a lookup validates the handle, the class and the raw id on the token.
package storage
