// Package eccrypto implements ECDSA and ECDH providers
// over P-256, P-384, P-521 and K-256 (secp256k1) curves.
//
// Keys are generated, signed and derived on the token.
// The encodings of exported and imported keys (raw point, SPKI, PKCS#8, JWK)
// are produced in software from CKA_EC_POINT and CKA_VALUE attributes.
package eccrypto
