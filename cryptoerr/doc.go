// Package cryptoerr defines the error taxonomy of the adapter.
//
// Local-origin failures are marked with one of the Err* classes and
// are raised before any token call is attempted. Failures reported by
// the token are wrapped as *TokenError, carrying the numeric CKR_* code.
// A short table of already-in-state codes (already initialized, already
// logged in, not logged in) is recognized by Normalize and turned into
// success for the single call each belongs to.
package cryptoerr
