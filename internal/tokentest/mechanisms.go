package tokentest

import (
	"crypto"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	_ "crypto/sha1" // register hash
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/asn1"
	"math/big"
	"reflect"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/miekg/pkcs11"
)

type curve struct {
	oid     asn1.ObjectIdentifier
	size    int
	ec      elliptic.Curve
	ecdh    ecdh.Curve
	koblitz bool
}

var curves = []*curve{
	{oid: asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}, size: 32, ec: elliptic.P256(), ecdh: ecdh.P256()},
	{oid: asn1.ObjectIdentifier{1, 3, 132, 0, 34}, size: 48, ec: elliptic.P384(), ecdh: ecdh.P384()},
	{oid: asn1.ObjectIdentifier{1, 3, 132, 0, 35}, size: 66, ec: elliptic.P521(), ecdh: ecdh.P521()},
	{oid: asn1.ObjectIdentifier{1, 3, 132, 0, 10}, size: 32, ec: btcec.S256(), koblitz: true},
}

func curveByParams(params []byte) (*curve, error) {
	var oid asn1.ObjectIdentifier
	if _, err := asn1.Unmarshal(params, &oid); err != nil {
		return nil, pkcs11.Error(pkcs11.CKR_DOMAIN_PARAMS_INVALID)
	}
	for _, c := range curves {
		if c.oid.Equal(oid) {
			return c, nil
		}
	}
	return nil, pkcs11.Error(pkcs11.CKR_CURVE_NOT_SUPPORTED)
}

var hashes = map[uint]crypto.Hash{
	pkcs11.CKM_ECDSA:        0,
	pkcs11.CKM_ECDSA_SHA1:   crypto.SHA1,
	pkcs11.CKM_ECDSA_SHA224: crypto.SHA224,
	pkcs11.CKM_ECDSA_SHA256: crypto.SHA256,
	pkcs11.CKM_ECDSA_SHA384: crypto.SHA384,
	pkcs11.CKM_ECDSA_SHA512: crypto.SHA512,
	pkcs11.CKM_SHA_1_HMAC:   crypto.SHA1,
	pkcs11.CKM_SHA224_HMAC:  crypto.SHA224,
	pkcs11.CKM_SHA256_HMAC:  crypto.SHA256,
	pkcs11.CKM_SHA384_HMAC:  crypto.SHA384,
	pkcs11.CKM_SHA512_HMAC:  crypto.SHA512,
	pkcs11.CKM_SHA_1:        crypto.SHA1,
	pkcs11.CKM_SHA224:       crypto.SHA224,
	pkcs11.CKM_SHA256:       crypto.SHA256,
	pkcs11.CKM_SHA384:       crypto.SHA384,
	pkcs11.CKM_SHA512:       crypto.SHA512,
}

func isHMAC(mech uint) bool {
	switch mech {
	case pkcs11.CKM_SHA_1_HMAC, pkcs11.CKM_SHA224_HMAC, pkcs11.CKM_SHA256_HMAC,
		pkcs11.CKM_SHA384_HMAC, pkcs11.CKM_SHA512_HMAC:
		return true
	}
	return false
}

func isECDSA(mech uint) bool {
	switch mech {
	case pkcs11.CKM_ECDSA, pkcs11.CKM_ECDSA_SHA1, pkcs11.CKM_ECDSA_SHA224,
		pkcs11.CKM_ECDSA_SHA256, pkcs11.CKM_ECDSA_SHA384, pkcs11.CKM_ECDSA_SHA512:
		return true
	}
	return false
}

// completeObject validates the imported object and fills in
// the attributes derived from its value
func completeObject(attrs map[uint][]byte) error {
	setDefault(attrs, pkcs11.CKA_TOKEN, false)
	setDefault(attrs, pkcs11.CKA_PRIVATE, false)
	setDefault(attrs, pkcs11.CKA_MODIFIABLE, true)
	setDefault(attrs, pkcs11.CKA_LABEL, "")

	switch ulong(attrs[pkcs11.CKA_CLASS]) {
	case pkcs11.CKO_PRIVATE_KEY:
		c, err := curveByParams(attrs[pkcs11.CKA_EC_PARAMS])
		if err != nil {
			return err
		}
		if len(attrs[pkcs11.CKA_VALUE]) == 0 || len(attrs[pkcs11.CKA_VALUE]) > c.size {
			return pkcs11.Error(pkcs11.CKR_ATTRIBUTE_VALUE_INVALID)
		}
		setKeyDefaults(attrs)
		setDefault(attrs, pkcs11.CKA_LOCAL, false)
	case pkcs11.CKO_PUBLIC_KEY:
		c, err := curveByParams(attrs[pkcs11.CKA_EC_PARAMS])
		if err != nil {
			return err
		}
		if _, err = decodePoint(c, attrs[pkcs11.CKA_EC_POINT]); err != nil {
			return err
		}
		setDefault(attrs, pkcs11.CKA_ID, []byte{})
		setDefault(attrs, pkcs11.CKA_VERIFY, false)
		setDefault(attrs, pkcs11.CKA_DERIVE, false)
		setDefault(attrs, pkcs11.CKA_LOCAL, false)
	case pkcs11.CKO_SECRET_KEY:
		if len(attrs[pkcs11.CKA_VALUE]) == 0 {
			return pkcs11.Error(pkcs11.CKR_TEMPLATE_INCOMPLETE)
		}
		attrs[pkcs11.CKA_VALUE_LEN] = pkcs11.NewAttribute(pkcs11.CKA_VALUE_LEN, len(attrs[pkcs11.CKA_VALUE])).Value
		setKeyDefaults(attrs)
		setDefault(attrs, pkcs11.CKA_LOCAL, false)
	}
	return nil
}

func setKeyDefaults(attrs map[uint][]byte) {
	setDefault(attrs, pkcs11.CKA_ID, []byte{})
	setDefault(attrs, pkcs11.CKA_SENSITIVE, false)
	setDefault(attrs, pkcs11.CKA_EXTRACTABLE, true)
	setDefault(attrs, pkcs11.CKA_SIGN, false)
	setDefault(attrs, pkcs11.CKA_DERIVE, false)
}

// ecPoint is the uncompressed point wrapped as DER OCTET STRING
func ecPoint(point []byte) []byte {
	der, _ := asn1.Marshal(point)
	return der
}

// decodePoint returns the uncompressed point from CKA_EC_POINT value,
// the raw point is also accepted
func decodePoint(c *curve, val []byte) ([]byte, error) {
	pointLen := 1 + 2*c.size
	point := val
	if len(val) != pointLen {
		var raw []byte
		if rest, err := asn1.Unmarshal(val, &raw); err != nil || len(rest) > 0 {
			return nil, pkcs11.Error(pkcs11.CKR_ATTRIBUTE_VALUE_INVALID)
		}
		point = raw
	}
	if len(point) != pointLen || point[0] != 4 {
		return nil, pkcs11.Error(pkcs11.CKR_ATTRIBUTE_VALUE_INVALID)
	}
	if c.koblitz {
		if _, err := btcec.ParsePubKey(point); err != nil {
			return nil, pkcs11.Error(pkcs11.CKR_ATTRIBUTE_VALUE_INVALID)
		}
	} else if _, err := c.ecdh.NewPublicKey(point); err != nil {
		return nil, pkcs11.Error(pkcs11.CKR_ATTRIBUTE_VALUE_INVALID)
	}
	return point, nil
}

func padScalar(c *curve, d []byte) []byte {
	if len(d) >= c.size {
		return d
	}
	return append(make([]byte, c.size-len(d)), d...)
}

// GenerateKeyPair generates EC key pair
func (t *Token) GenerateKeyPair(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism,
	public, private []*pkcs11.Attribute) (pkcs11.ObjectHandle, pkcs11.ObjectHandle, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	s, err := t.session("GenerateKeyPair", sh)
	if err != nil {
		return 0, 0, err
	}
	mech, err := t.supported(m)
	if err != nil {
		return 0, 0, err
	}
	if mech.Mechanism != pkcs11.CKM_EC_KEY_PAIR_GEN {
		return 0, 0, pkcs11.Error(pkcs11.CKR_MECHANISM_INVALID)
	}
	pubAttrs := attributeMap(public)
	privAttrs := attributeMap(private)
	params := pubAttrs[pkcs11.CKA_EC_PARAMS]
	c, err := curveByParams(params)
	if err != nil {
		return 0, 0, err
	}

	var scalar, point []byte
	if c.koblitz {
		key, err := btcec.NewPrivateKey()
		if err != nil {
			return 0, 0, pkcs11.Error(pkcs11.CKR_FUNCTION_FAILED)
		}
		scalar = key.Serialize()
		point = key.PubKey().SerializeUncompressed()
	} else {
		key, err := c.ecdh.GenerateKey(rand.Reader)
		if err != nil {
			return 0, 0, pkcs11.Error(pkcs11.CKR_FUNCTION_FAILED)
		}
		scalar = key.Bytes()
		point = key.PublicKey().Bytes()
	}

	pubAttrs[pkcs11.CKA_CLASS] = pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY).Value
	pubAttrs[pkcs11.CKA_KEY_TYPE] = pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_EC).Value
	pubAttrs[pkcs11.CKA_EC_POINT] = ecPoint(point)
	if err = completeObject(pubAttrs); err != nil {
		return 0, 0, err
	}
	pubAttrs[pkcs11.CKA_LOCAL] = []byte{1}

	privAttrs[pkcs11.CKA_CLASS] = pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY).Value
	privAttrs[pkcs11.CKA_KEY_TYPE] = pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_EC).Value
	privAttrs[pkcs11.CKA_EC_PARAMS] = append([]byte{}, params...)
	privAttrs[pkcs11.CKA_VALUE] = padScalar(c, scalar)
	if err = completeObject(privAttrs); err != nil {
		return 0, 0, err
	}
	privAttrs[pkcs11.CKA_LOCAL] = []byte{1}

	pub, err := t.store(s, sh, pubAttrs)
	if err != nil {
		return 0, 0, err
	}
	priv, err := t.store(s, sh, privAttrs)
	if err != nil {
		delete(t.objects, pub.handle)
		return 0, 0, err
	}
	return pub.handle, priv.handle, nil
}

// GenerateKey generates generic secret
func (t *Token) GenerateKey(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism,
	temp []*pkcs11.Attribute) (pkcs11.ObjectHandle, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	s, err := t.session("GenerateKey", sh)
	if err != nil {
		return 0, err
	}
	mech, err := t.supported(m)
	if err != nil {
		return 0, err
	}
	if mech.Mechanism != pkcs11.CKM_GENERIC_SECRET_KEY_GEN {
		return 0, pkcs11.Error(pkcs11.CKR_MECHANISM_INVALID)
	}
	attrs := attributeMap(temp)
	size := ulong(attrs[pkcs11.CKA_VALUE_LEN])
	if size == 0 {
		return 0, pkcs11.Error(pkcs11.CKR_TEMPLATE_INCOMPLETE)
	}
	value := make([]byte, size)
	if _, err = rand.Read(value); err != nil {
		return 0, pkcs11.Error(pkcs11.CKR_FUNCTION_FAILED)
	}
	attrs[pkcs11.CKA_CLASS] = pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_SECRET_KEY).Value
	setDefault(attrs, pkcs11.CKA_KEY_TYPE, pkcs11.CKK_GENERIC_SECRET)
	attrs[pkcs11.CKA_VALUE] = value
	if err = completeObject(attrs); err != nil {
		return 0, err
	}
	attrs[pkcs11.CKA_LOCAL] = []byte{1}

	o, err := t.store(s, sh, attrs)
	if err != nil {
		return 0, err
	}
	return o.handle, nil
}

// deriveParams returns CK_ECDH1_DERIVE_PARAMS of the mechanism,
// which pkcs11.Mechanism keeps unexported until the call
func deriveParams(m *pkcs11.Mechanism) (*pkcs11.ECDH1DeriveParams, bool) {
	v := reflect.ValueOf(m).Elem().FieldByName("generator")
	if !v.IsValid() || v.IsNil() {
		return nil, false
	}
	p := v.Elem()
	if p.Type() != reflect.TypeOf(&pkcs11.ECDH1DeriveParams{}) || p.IsNil() {
		return nil, false
	}
	s := p.Elem()
	return &pkcs11.ECDH1DeriveParams{
		KDF:           uint(s.FieldByName("KDF").Uint()),
		SharedData:    append([]byte{}, s.FieldByName("SharedData").Bytes()...),
		PublicKeyData: append([]byte{}, s.FieldByName("PublicKeyData").Bytes()...),
	}, true
}

// DeriveKey derives the secret with CKM_ECDH1_DERIVE
func (t *Token) DeriveKey(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, base pkcs11.ObjectHandle,
	a []*pkcs11.Attribute) (pkcs11.ObjectHandle, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	s, err := t.session("DeriveKey", sh)
	if err != nil {
		return 0, err
	}
	mech, err := t.supported(m)
	if err != nil {
		return 0, err
	}
	if mech.Mechanism != pkcs11.CKM_ECDH1_DERIVE {
		return 0, pkcs11.Error(pkcs11.CKR_MECHANISM_INVALID)
	}
	params, ok := deriveParams(mech)
	if !ok || params.KDF != pkcs11.CKD_NULL || len(params.SharedData) > 0 {
		return 0, pkcs11.Error(pkcs11.CKR_MECHANISM_PARAM_INVALID)
	}
	key, ok := t.object(base)
	if !ok || key.ulong(pkcs11.CKA_CLASS) != pkcs11.CKO_PRIVATE_KEY {
		return 0, pkcs11.Error(pkcs11.CKR_KEY_HANDLE_INVALID)
	}
	if !key.bool(pkcs11.CKA_DERIVE) {
		return 0, pkcs11.Error(pkcs11.CKR_KEY_FUNCTION_NOT_PERMITTED)
	}
	c, err := curveByParams(key.attrs[pkcs11.CKA_EC_PARAMS])
	if err != nil {
		return 0, err
	}
	point, err := decodePoint(c, params.PublicKeyData)
	if err != nil {
		return 0, pkcs11.Error(pkcs11.CKR_MECHANISM_PARAM_INVALID)
	}

	var secret []byte
	if c.koblitz {
		priv, _ := btcec.PrivKeyFromBytes(key.attrs[pkcs11.CKA_VALUE])
		pub, err := btcec.ParsePubKey(point)
		if err != nil {
			return 0, pkcs11.Error(pkcs11.CKR_MECHANISM_PARAM_INVALID)
		}
		secret = btcec.GenerateSharedSecret(priv, pub)
	} else {
		priv, err := c.ecdh.NewPrivateKey(padScalar(c, key.attrs[pkcs11.CKA_VALUE]))
		if err != nil {
			return 0, pkcs11.Error(pkcs11.CKR_KEY_HANDLE_INVALID)
		}
		pub, err := c.ecdh.NewPublicKey(point)
		if err != nil {
			return 0, pkcs11.Error(pkcs11.CKR_MECHANISM_PARAM_INVALID)
		}
		if secret, err = priv.ECDH(pub); err != nil {
			return 0, pkcs11.Error(pkcs11.CKR_FUNCTION_FAILED)
		}
	}

	attrs := attributeMap(a)
	if l, ok := attrs[pkcs11.CKA_VALUE_LEN]; ok {
		size := int(ulong(l))
		if size > len(secret) {
			return 0, pkcs11.Error(pkcs11.CKR_KEY_SIZE_RANGE)
		}
		// truncated from the leading end
		secret = secret[len(secret)-size:]
	}
	setDefault(attrs, pkcs11.CKA_CLASS, pkcs11.CKO_SECRET_KEY)
	setDefault(attrs, pkcs11.CKA_KEY_TYPE, pkcs11.CKK_GENERIC_SECRET)
	attrs[pkcs11.CKA_VALUE] = secret
	if err = completeObject(attrs); err != nil {
		return 0, err
	}

	o, err := t.store(s, sh, attrs)
	if err != nil {
		return 0, err
	}
	return o.handle, nil
}

func (t *Token) initOperation(m []*pkcs11.Mechanism, h pkcs11.ObjectHandle, class uint, usage uint) (*operation, error) {
	mech, err := t.supported(m)
	if err != nil {
		return nil, err
	}
	key, ok := t.object(h)
	if !ok {
		return nil, pkcs11.Error(pkcs11.CKR_KEY_HANDLE_INVALID)
	}
	switch {
	case isECDSA(mech.Mechanism):
		if key.ulong(pkcs11.CKA_CLASS) != class || key.ulong(pkcs11.CKA_KEY_TYPE) != pkcs11.CKK_EC {
			return nil, pkcs11.Error(pkcs11.CKR_KEY_TYPE_INCONSISTENT)
		}
	case isHMAC(mech.Mechanism):
		if key.ulong(pkcs11.CKA_CLASS) != pkcs11.CKO_SECRET_KEY {
			return nil, pkcs11.Error(pkcs11.CKR_KEY_TYPE_INCONSISTENT)
		}
	default:
		return nil, pkcs11.Error(pkcs11.CKR_MECHANISM_INVALID)
	}
	if !key.bool(usage) {
		return nil, pkcs11.Error(pkcs11.CKR_KEY_FUNCTION_NOT_PERMITTED)
	}
	return &operation{mech: mech.Mechanism, key: key}, nil
}

// SignInit starts the signing operation
func (t *Token) SignInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	s, err := t.session("SignInit", sh)
	if err != nil {
		return err
	}
	if s.sign != nil {
		return pkcs11.Error(pkcs11.CKR_OPERATION_ACTIVE)
	}
	op, err := t.initOperation(m, o, pkcs11.CKO_PRIVATE_KEY, pkcs11.CKA_SIGN)
	if err != nil {
		return err
	}
	s.sign = op
	return nil
}

// Sign signs the message
func (t *Token) Sign(sh pkcs11.SessionHandle, message []byte) ([]byte, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	s, err := t.session("Sign", sh)
	if err != nil {
		return nil, err
	}
	op := s.sign
	if op == nil {
		return nil, pkcs11.Error(pkcs11.CKR_OPERATION_NOT_INITIALIZED)
	}
	s.sign = nil

	if isHMAC(op.mech) {
		return macOf(op, message), nil
	}

	c, err := curveByParams(op.key.attrs[pkcs11.CKA_EC_PARAMS])
	if err != nil {
		return nil, err
	}
	digest := digestOf(op.mech, message)
	d := op.key.attrs[pkcs11.CKA_VALUE]
	sig := make([]byte, 2*c.size)

	if c.koblitz {
		priv, _ := btcec.PrivKeyFromBytes(d)
		signature := btcecdsa.Sign(priv, digest)
		r, ss := signature.R(), signature.S()
		rb, sb := r.Bytes(), ss.Bytes()
		copy(sig[:c.size], rb[:])
		copy(sig[c.size:], sb[:])
		return sig, nil
	}

	priv := new(ecdsa.PrivateKey)
	priv.Curve = c.ec
	priv.D = new(big.Int).SetBytes(d)
	priv.X, priv.Y = c.ec.ScalarBaseMult(padScalar(c, d))
	r, ss, err := ecdsa.Sign(rand.Reader, priv, digest)
	if err != nil {
		return nil, pkcs11.Error(pkcs11.CKR_FUNCTION_FAILED)
	}
	r.FillBytes(sig[:c.size])
	ss.FillBytes(sig[c.size:])
	return sig, nil
}

// VerifyInit starts the verification operation
func (t *Token) VerifyInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, key pkcs11.ObjectHandle) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	s, err := t.session("VerifyInit", sh)
	if err != nil {
		return err
	}
	if s.verify != nil {
		return pkcs11.Error(pkcs11.CKR_OPERATION_ACTIVE)
	}
	op, err := t.initOperation(m, key, pkcs11.CKO_PUBLIC_KEY, pkcs11.CKA_VERIFY)
	if err != nil {
		return err
	}
	s.verify = op
	return nil
}

// Verify verifies the signature
func (t *Token) Verify(sh pkcs11.SessionHandle, data []byte, signature []byte) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	s, err := t.session("Verify", sh)
	if err != nil {
		return err
	}
	op := s.verify
	if op == nil {
		return pkcs11.Error(pkcs11.CKR_OPERATION_NOT_INITIALIZED)
	}
	s.verify = nil

	if isHMAC(op.mech) {
		mac := macOf(op, data)
		if len(signature) != len(mac) {
			return pkcs11.Error(pkcs11.CKR_SIGNATURE_LEN_RANGE)
		}
		if !hmac.Equal(mac, signature) {
			return pkcs11.Error(pkcs11.CKR_SIGNATURE_INVALID)
		}
		return nil
	}

	c, err := curveByParams(op.key.attrs[pkcs11.CKA_EC_PARAMS])
	if err != nil {
		return err
	}
	if len(signature) != 2*c.size {
		return pkcs11.Error(pkcs11.CKR_SIGNATURE_LEN_RANGE)
	}
	point, err := decodePoint(c, op.key.attrs[pkcs11.CKA_EC_POINT])
	if err != nil {
		return err
	}
	digest := digestOf(op.mech, data)

	if c.koblitz {
		pub, err := btcec.ParsePubKey(point)
		if err != nil {
			return pkcs11.Error(pkcs11.CKR_KEY_HANDLE_INVALID)
		}
		var r, ss btcec.ModNScalar
		if r.SetByteSlice(signature[:c.size]) || ss.SetByteSlice(signature[c.size:]) {
			return pkcs11.Error(pkcs11.CKR_SIGNATURE_INVALID)
		}
		if !btcecdsa.NewSignature(&r, &ss).Verify(digest, pub) {
			return pkcs11.Error(pkcs11.CKR_SIGNATURE_INVALID)
		}
		return nil
	}

	pub := &ecdsa.PublicKey{
		Curve: c.ec,
		X:     new(big.Int).SetBytes(point[1 : 1+c.size]),
		Y:     new(big.Int).SetBytes(point[1+c.size:]),
	}
	r := new(big.Int).SetBytes(signature[:c.size])
	ss := new(big.Int).SetBytes(signature[c.size:])
	if !ecdsa.Verify(pub, digest, r, ss) {
		return pkcs11.Error(pkcs11.CKR_SIGNATURE_INVALID)
	}
	return nil
}

// DigestInit starts the digest operation
func (t *Token) DigestInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	s, err := t.session("DigestInit", sh)
	if err != nil {
		return err
	}
	if s.digest != nil {
		return pkcs11.Error(pkcs11.CKR_OPERATION_ACTIVE)
	}
	mech, err := t.supported(m)
	if err != nil {
		return err
	}
	if isECDSA(mech.Mechanism) || isHMAC(mech.Mechanism) || hashes[mech.Mechanism] == 0 {
		return pkcs11.Error(pkcs11.CKR_MECHANISM_INVALID)
	}
	s.digest = &operation{mech: mech.Mechanism}
	return nil
}

// Digest returns the digest of the message
func (t *Token) Digest(sh pkcs11.SessionHandle, message []byte) ([]byte, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	s, err := t.session("Digest", sh)
	if err != nil {
		return nil, err
	}
	op := s.digest
	if op == nil {
		return nil, pkcs11.Error(pkcs11.CKR_OPERATION_NOT_INITIALIZED)
	}
	s.digest = nil
	return digestOf(op.mech, message), nil
}

func digestOf(mech uint, message []byte) []byte {
	h := hashes[mech]
	if h == 0 {
		return message
	}
	hf := h.New()
	hf.Write(message)
	return hf.Sum(nil)
}

func macOf(op *operation, message []byte) []byte {
	mac := hmac.New(hashes[op.mech].New, op.key.attrs[pkcs11.CKA_VALUE])
	mac.Write(message)
	return mac.Sum(nil)
}
