// Package crypto11 manages the lifecycle of a PKCS#11 library
// and the single session opened on the configured slot.
//
// The package provides:
//   - loading and initialization of the library
//   - slot selection by index and session open with the configured flags
//   - login, logout and session reset
//   - random number generation by the token
//   - serialized access to the session for the mechanism providers
//
// Failures that indicate the token is already in the requested state,
// such as already initialized or already logged in, are treated as success.
//
// Every Reset replaces the session and increments the generation,
// which allows the objects bound to the previous session to detect
// that they are no longer valid.
package crypto11
