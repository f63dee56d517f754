// Package cryptoprov provides the framework of the algorithm providers
// over the PKCS#11 token.
//
// A provider implements the Provider interface and any subset of
// the capability interfaces: KeyGenerator, KeyPairGenerator, KeyImporter,
// KeyExporter, Signer, Verifier, BitsDeriver, Digester, KeyWrapper,
// KeyUnwrapper and KeyLengther. The caller asserts the capability
// it needs on the provider returned by the Registry.
//
// The providers are implemented in the subpackages:
//   - eccrypto: ECDSA and ECDH over P-256, P-384, P-521 and K-256
//   - hmaccrypto: HMAC with SHA-1 and SHA-2 hashes
//   - shacrypto: SHA-1 and SHA-2 digests
package cryptoprov
