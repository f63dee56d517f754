// Package webcrypto provides the Web Crypto style API over a PKCS#11 token.
//
// Crypto owns the session of the configured slot, the registry of
// the algorithm providers and the key and certificate storages.
// Subtle resolves the provider by the algorithm name and
// calls the requested operation, an operation the provider does not
// implement fails with cryptoerr.ErrUnsupportedAlgorithm.
//
//	c, err := webcrypto.Load("/etc/p11crypto/softhsm.yaml")
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//
//	kp, err := c.Subtle().GenerateKeyPair(ctx, &cryptoprov.EcKeyGenParams{
//		Name:       cryptoprov.AlgECDSA,
//		NamedCurve: "P-256",
//	}, false, objects.Usages{objects.UsageSign, objects.UsageVerify})
package webcrypto
