package objects

import (
	"sort"

	"github.com/effective-security/p11crypto/crypto11"
	"github.com/miekg/pkcs11"
)

// KeyOptions are the per-operation overrides of the key attributes
type KeyOptions struct {
	Token     *bool   `json:"token,omitempty" yaml:"token,omitempty"`
	Sensitive *bool   `json:"sensitive,omitempty" yaml:"sensitive,omitempty"`
	Label     *string `json:"label,omitempty" yaml:"label,omitempty"`
}

// usageFlags maps usages to the CKA_ flags, per key class
var usageFlags = map[uint]map[string][]uint{
	pkcs11.CKO_PUBLIC_KEY: {
		UsageEncrypt:    {pkcs11.CKA_ENCRYPT},
		UsageVerify:     {pkcs11.CKA_VERIFY},
		UsageWrapKey:    {pkcs11.CKA_WRAP},
		UsageDeriveKey:  {pkcs11.CKA_DERIVE},
		UsageDeriveBits: {pkcs11.CKA_DERIVE},
	},
	pkcs11.CKO_PRIVATE_KEY: {
		UsageDecrypt:    {pkcs11.CKA_DECRYPT},
		UsageSign:       {pkcs11.CKA_SIGN},
		UsageUnwrapKey:  {pkcs11.CKA_UNWRAP},
		UsageDeriveKey:  {pkcs11.CKA_DERIVE},
		UsageDeriveBits: {pkcs11.CKA_DERIVE},
	},
	pkcs11.CKO_SECRET_KEY: {
		UsageEncrypt:    {pkcs11.CKA_ENCRYPT},
		UsageDecrypt:    {pkcs11.CKA_DECRYPT},
		UsageSign:       {pkcs11.CKA_SIGN},
		UsageVerify:     {pkcs11.CKA_VERIFY},
		UsageWrapKey:    {pkcs11.CKA_WRAP, pkcs11.CKA_ENCRYPT},
		UsageUnwrapKey:  {pkcs11.CKA_UNWRAP, pkcs11.CKA_DECRYPT},
		UsageDeriveKey:  {pkcs11.CKA_DERIVE},
		UsageDeriveBits: {pkcs11.CKA_DERIVE},
	},
}

// UsageFlags lists the CKA_ usage flags
var UsageFlags = []uint{
	pkcs11.CKA_ENCRYPT,
	pkcs11.CKA_DECRYPT,
	pkcs11.CKA_SIGN,
	pkcs11.CKA_VERIFY,
	pkcs11.CKA_WRAP,
	pkcs11.CKA_UNWRAP,
	pkcs11.CKA_DERIVE,
}

// UsagesByFlags returns the usages allowed by CKA_ flags of the key
func UsagesByFlags(class uint, flags map[uint]bool) Usages {
	res := Usages{}
	for _, usage := range AllUsages {
		attrs, ok := usageFlags[class][usage]
		// wrap and unwrap are read from the single flag
		if !ok || !flags[attrs[0]] {
			continue
		}
		res = append(res, usage)
	}
	return res
}

// KeyTemplate is the request-scoped attributes of the key to create
type KeyTemplate struct {
	Class       uint
	KeyType     uint
	Token       bool
	Sensitive   bool
	Extractable bool
	Label       string
	ID          []byte

	flags map[uint]bool
	extra map[uint]any
}

// NewKeyTemplate returns the template with provider defaults
func NewKeyTemplate(class, keyType uint, defaults crypto11.KeyDefaults) *KeyTemplate {
	return &KeyTemplate{
		Class:     class,
		KeyType:   keyType,
		Token:     defaults.Token,
		Sensitive: defaults.Sensitive,
		flags:     map[uint]bool{},
		extra:     map[uint]any{},
	}
}

// ApplyUsages sets the CKA_ flags for usages applicable to the class
func (t *KeyTemplate) ApplyUsages(usages Usages) *KeyTemplate {
	for _, usage := range usages {
		for _, attr := range usageFlags[t.Class][usage] {
			t.flags[attr] = true
		}
	}
	return t
}

// ApplyOptions overrides the defaults with the provided options
func (t *KeyTemplate) ApplyOptions(opts *KeyOptions) *KeyTemplate {
	if opts == nil {
		return t
	}
	if opts.Token != nil {
		t.Token = *opts.Token
	}
	if opts.Sensitive != nil {
		t.Sensitive = *opts.Sensitive
	}
	if opts.Label != nil {
		t.Label = *opts.Label
	}
	return t
}

// Set adds the attribute to the template
func (t *KeyTemplate) Set(typ uint, val any) *KeyTemplate {
	t.extra[typ] = val
	return t
}

// Flag returns true if the CKA_ usage flag is set
func (t *KeyTemplate) Flag(typ uint) bool {
	return t.flags[typ]
}

// Attributes returns the template for the token call
func (t *KeyTemplate) Attributes() []*pkcs11.Attribute {
	attrs := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, t.Class),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, t.KeyType),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, t.Token),
		pkcs11.NewAttribute(pkcs11.CKA_PRIVATE, t.Class != pkcs11.CKO_PUBLIC_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, t.Label),
	}
	if len(t.ID) > 0 {
		attrs = append(attrs, pkcs11.NewAttribute(pkcs11.CKA_ID, t.ID))
	}
	if t.Class != pkcs11.CKO_PUBLIC_KEY {
		attrs = append(attrs,
			pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, t.Sensitive),
			pkcs11.NewAttribute(pkcs11.CKA_EXTRACTABLE, t.Extractable),
		)
	}

	for _, typ := range UsageFlags {
		if applicable(t.Class, typ) {
			attrs = append(attrs, pkcs11.NewAttribute(typ, t.flags[typ]))
		}
	}

	types := make([]uint, 0, len(t.extra))
	for typ := range t.extra {
		types = append(types, typ)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	for _, typ := range types {
		attrs = append(attrs, pkcs11.NewAttribute(typ, t.extra[typ]))
	}
	return attrs
}

// applicable returns true if the CKA_ flag is defined for the class
func applicable(class, typ uint) bool {
	for _, attrs := range usageFlags[class] {
		for _, a := range attrs {
			if a == typ {
				return true
			}
		}
	}
	return false
}
