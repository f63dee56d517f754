package objects

import (
	"github.com/effective-security/p11crypto/cryptoerr"
	"github.com/effective-security/x/slices"
)

// Key usages
const (
	UsageEncrypt    = "encrypt"
	UsageDecrypt    = "decrypt"
	UsageSign       = "sign"
	UsageVerify     = "verify"
	UsageDeriveKey  = "deriveKey"
	UsageDeriveBits = "deriveBits"
	UsageWrapKey    = "wrapKey"
	UsageUnwrapKey  = "unwrapKey"
)

// AllUsages lists the supported usages
var AllUsages = []string{
	UsageEncrypt,
	UsageDecrypt,
	UsageSign,
	UsageVerify,
	UsageDeriveKey,
	UsageDeriveBits,
	UsageWrapKey,
	UsageUnwrapKey,
}

// Usages is the set of allowed key usages
type Usages []string

// ParseUsages returns the usage set, with duplicates removed
func ParseUsages(list ...string) (Usages, error) {
	res := make(Usages, 0, len(list))
	for _, u := range list {
		if !slices.ContainsString(AllUsages, u) {
			return nil, cryptoerr.KeyTypef("unsupported key usage: %q", u)
		}
		if !res.Has(u) {
			res = append(res, u)
		}
	}
	return res, nil
}

// Has returns true if the usage is allowed
func (u Usages) Has(usage string) bool {
	return slices.ContainsString(u, usage)
}

// Filter returns the usages allowed by the list
func (u Usages) Filter(allowed ...string) Usages {
	res := Usages{}
	for _, usage := range u {
		if slices.ContainsString(allowed, usage) {
			res = append(res, usage)
		}
	}
	return res
}

// Clone returns a copy of the set
func (u Usages) Clone() Usages {
	res := make(Usages, len(u))
	copy(res, u)
	return res
}

// CheckUsage returns KeyType error if the key does not allow the usage
func CheckUsage(key *Key, usage string) error {
	if key == nil {
		return cryptoerr.KeyTypef("key is not provided")
	}
	if !key.Usages().Has(usage) {
		return cryptoerr.KeyTypef("key does not allow %q usage", usage)
	}
	return nil
}
