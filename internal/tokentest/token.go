// Package tokentest provides an in-memory PKCS#11 module for tests.
//
// Token implements the subset of github.com/miekg/pkcs11.Ctx used by
// the adapter: sessions, login, object store, EC key pairs on P-256,
// P-384, P-521 and secp256k1, ECDSA, ECDH1 derivation, generic secrets,
// HMAC and SHA digests. Failures are reported as pkcs11.Error codes
// the same way a library does.
package tokentest

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"sort"
	"sync"

	"github.com/miekg/pkcs11"
)

// DefaultSlotID is the ID of the single slot of a new Token
const DefaultSlotID = 0x1d0

// DefaultFirstHandle is the first object handle assigned by a new Token
const DefaultFirstHandle = 0x2a01

// Mechanisms lists the mechanisms a new Token supports
var Mechanisms = []uint{
	pkcs11.CKM_EC_KEY_PAIR_GEN,
	pkcs11.CKM_ECDSA,
	pkcs11.CKM_ECDSA_SHA1,
	pkcs11.CKM_ECDSA_SHA224,
	pkcs11.CKM_ECDSA_SHA256,
	pkcs11.CKM_ECDSA_SHA384,
	pkcs11.CKM_ECDSA_SHA512,
	pkcs11.CKM_ECDH1_DERIVE,
	pkcs11.CKM_GENERIC_SECRET_KEY_GEN,
	pkcs11.CKM_SHA_1,
	pkcs11.CKM_SHA224,
	pkcs11.CKM_SHA256,
	pkcs11.CKM_SHA384,
	pkcs11.CKM_SHA512,
	pkcs11.CKM_SHA_1_HMAC,
	pkcs11.CKM_SHA224_HMAC,
	pkcs11.CKM_SHA256_HMAC,
	pkcs11.CKM_SHA384_HMAC,
	pkcs11.CKM_SHA512_HMAC,
}

// Token is an in-memory PKCS#11 module
type Token struct {
	lock sync.Mutex

	pin           string
	loginRequired bool
	slots         []uint
	label         string
	mechanisms    map[uint]bool

	initialized bool
	initOptions int
	destroyed   bool
	loggedIn    bool

	nextSession pkcs11.SessionHandle
	nextObject  pkcs11.ObjectHandle
	sessions    map[pkcs11.SessionHandle]*session
	objects     map[pkcs11.ObjectHandle]*object

	failures     map[string]uint
	attrFailures map[uint]uint
	calls    map[string]int
}

type session struct {
	slot    uint
	rw      bool
	finding bool
	found   []pkcs11.ObjectHandle
	sign    *operation
	verify  *operation
	digest  *operation
}

type operation struct {
	mech uint
	key  *object
}

type object struct {
	handle  pkcs11.ObjectHandle
	session pkcs11.SessionHandle
	attrs   map[uint][]byte
}

// Option configures the Token
type Option func(*Token)

// WithPin makes the token require login with the pin
func WithPin(pin string) Option {
	return func(t *Token) {
		t.pin = pin
		t.loginRequired = true
	}
}

// WithoutMechanisms removes the mechanisms from the supported list
func WithoutMechanisms(mechs ...uint) Option {
	return func(t *Token) {
		for _, m := range mechs {
			delete(t.mechanisms, m)
		}
	}
}

// WithSlots replaces the list of slots with a token present
func WithSlots(ids ...uint) Option {
	return func(t *Token) {
		t.slots = ids
	}
}

// WithLabel sets the token label
func WithLabel(label string) Option {
	return func(t *Token) {
		t.label = label
	}
}

// WithFirstHandle sets the first object handle
func WithFirstHandle(h uint) Option {
	return func(t *Token) {
		t.nextObject = pkcs11.ObjectHandle(h)
	}
}

// New returns a Token with a single slot
func New(opts ...Option) *Token {
	t := &Token{
		slots:        []uint{DefaultSlotID},
		label:        "tokentest",
		mechanisms:   map[uint]bool{},
		nextSession:  1,
		nextObject:   DefaultFirstHandle,
		sessions:     map[pkcs11.SessionHandle]*session{},
		objects:      map[pkcs11.ObjectHandle]*object{},
		failures:     map[string]uint{},
		attrFailures: map[uint]uint{},
		calls:        map[string]int{},
	}
	for _, m := range Mechanisms {
		t.mechanisms[m] = true
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// FailOn makes every following call of op fail with the code
func (t *Token) FailOn(op string, code uint) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.failures[op] = code
}

// FailOnAttribute makes every following read of the attribute fail with the code
func (t *Token) FailOnAttribute(typ uint, code uint) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.attrFailures[typ] = code
}

// ClearFailures removes the failures set by FailOn and FailOnAttribute
func (t *Token) ClearFailures() {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.failures = map[string]uint{}
	t.attrFailures = map[uint]uint{}
}

// Calls returns the number of calls of op, such as "Sign"
func (t *Token) Calls(op string) int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.calls[op]
}

// TotalCalls returns the number of all calls
func (t *Token) TotalCalls() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	total := 0
	for _, c := range t.calls {
		total += c
	}
	return total
}

// IsLoggedIn returns the login state of the token
func (t *Token) IsLoggedIn() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.loggedIn
}

// IsInitialized returns true between Initialize and Finalize
func (t *Token) IsInitialized() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.initialized
}

// InitializeOptions returns the number of options passed to the last Initialize
func (t *Token) InitializeOptions() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.initOptions
}

// IsDestroyed returns true after Destroy
func (t *Token) IsDestroyed() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.destroyed
}

// SessionCount returns the number of open sessions
func (t *Token) SessionCount() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return len(t.sessions)
}

// Handles returns the sorted handles of all objects
func (t *Token) Handles() []pkcs11.ObjectHandle {
	t.lock.Lock()
	defer t.lock.Unlock()
	list := make([]pkcs11.ObjectHandle, 0, len(t.objects))
	for h := range t.objects {
		list = append(list, h)
	}
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	return list
}

// Attribute returns the raw value of the object attribute,
// regardless of its sensitivity
func (t *Token) Attribute(h pkcs11.ObjectHandle, typ uint) ([]byte, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	o, ok := t.objects[h]
	if !ok {
		return nil, false
	}
	v, ok := o.attrs[typ]
	return v, ok
}

// enter counts the call and returns the configured failure;
// it must be called with the lock held
func (t *Token) enter(op string) error {
	t.calls[op]++
	if code, ok := t.failures[op]; ok {
		return pkcs11.Error(code)
	}
	if op != "Initialize" && !t.initialized {
		return pkcs11.Error(pkcs11.CKR_CRYPTOKI_NOT_INITIALIZED)
	}
	return nil
}

func (t *Token) session(op string, sh pkcs11.SessionHandle) (*session, error) {
	if err := t.enter(op); err != nil {
		return nil, err
	}
	s, ok := t.sessions[sh]
	if !ok {
		return nil, pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	return s, nil
}

func (t *Token) object(h pkcs11.ObjectHandle) (*object, bool) {
	o, ok := t.objects[h]
	if !ok || !t.visible(o) {
		return nil, false
	}
	return o, true
}

func (t *Token) visible(o *object) bool {
	return !(o.bool(pkcs11.CKA_PRIVATE) && t.loginRequired && !t.loggedIn)
}

func (t *Token) hasSlot(slotID uint) bool {
	for _, id := range t.slots {
		if id == slotID {
			return true
		}
	}
	return false
}

func (t *Token) supported(m []*pkcs11.Mechanism) (*pkcs11.Mechanism, error) {
	if len(m) != 1 || m[0] == nil {
		return nil, pkcs11.Error(pkcs11.CKR_ARGUMENTS_BAD)
	}
	if !t.mechanisms[m[0].Mechanism] {
		return nil, pkcs11.Error(pkcs11.CKR_MECHANISM_INVALID)
	}
	return m[0], nil
}

func (t *Token) store(s *session, sh pkcs11.SessionHandle, attrs map[uint][]byte) (*object, error) {
	o := &object{attrs: attrs}
	if o.bool(pkcs11.CKA_TOKEN) {
		if !s.rw {
			return nil, pkcs11.Error(pkcs11.CKR_SESSION_READ_ONLY)
		}
	} else {
		o.session = sh
	}
	if o.bool(pkcs11.CKA_PRIVATE) && t.loginRequired && !t.loggedIn {
		return nil, pkcs11.Error(pkcs11.CKR_USER_NOT_LOGGED_IN)
	}
	o.handle = t.nextObject
	t.nextObject++
	t.objects[o.handle] = o
	return o, nil
}

// Destroy unloads the module
func (t *Token) Destroy() {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.calls["Destroy"]++
	t.destroyed = true
}

// Initialize initializes the module
func (t *Token) Initialize(opts ...pkcs11.InitializeOption) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if err := t.enter("Initialize"); err != nil {
		return err
	}
	t.initOptions = len(opts)
	if t.initialized {
		return pkcs11.Error(pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED)
	}
	t.initialized = true
	return nil
}

// Finalize closes all sessions and finalizes the module
func (t *Token) Finalize() error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if err := t.enter("Finalize"); err != nil {
		return err
	}
	for sh := range t.sessions {
		t.closeSession(sh)
	}
	t.initialized = false
	return nil
}

// GetSlotList returns the slots with a token present
func (t *Token) GetSlotList(tokenPresent bool) ([]uint, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if err := t.enter("GetSlotList"); err != nil {
		return nil, err
	}
	return append([]uint{}, t.slots...), nil
}

// GetSlotInfo returns the slot info
func (t *Token) GetSlotInfo(slotID uint) (pkcs11.SlotInfo, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if err := t.enter("GetSlotInfo"); err != nil {
		return pkcs11.SlotInfo{}, err
	}
	if !t.hasSlot(slotID) {
		return pkcs11.SlotInfo{}, pkcs11.Error(pkcs11.CKR_SLOT_ID_INVALID)
	}
	return pkcs11.SlotInfo{
		SlotDescription: "In-memory test slot",
		ManufacturerID:  "p11crypto",
		Flags:           pkcs11.CKF_TOKEN_PRESENT,
	}, nil
}

// GetTokenInfo returns the token info
func (t *Token) GetTokenInfo(slotID uint) (pkcs11.TokenInfo, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if err := t.enter("GetTokenInfo"); err != nil {
		return pkcs11.TokenInfo{}, err
	}
	if !t.hasSlot(slotID) {
		return pkcs11.TokenInfo{}, pkcs11.Error(pkcs11.CKR_SLOT_ID_INVALID)
	}
	flags := uint(pkcs11.CKF_RNG | pkcs11.CKF_TOKEN_INITIALIZED)
	if t.loginRequired {
		flags |= pkcs11.CKF_LOGIN_REQUIRED | pkcs11.CKF_USER_PIN_INITIALIZED
	}
	return pkcs11.TokenInfo{
		Label:          t.label,
		ManufacturerID: "p11crypto",
		Model:          "tokentest",
		SerialNumber:   "0000000000000001",
		Flags:          flags,
	}, nil
}

// GetMechanismList returns the supported mechanisms
func (t *Token) GetMechanismList(slotID uint) ([]*pkcs11.Mechanism, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if err := t.enter("GetMechanismList"); err != nil {
		return nil, err
	}
	if !t.hasSlot(slotID) {
		return nil, pkcs11.Error(pkcs11.CKR_SLOT_ID_INVALID)
	}
	list := make([]*pkcs11.Mechanism, 0, len(t.mechanisms))
	for m := range t.mechanisms {
		list = append(list, pkcs11.NewMechanism(m, nil))
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Mechanism < list[j].Mechanism })
	return list, nil
}

// OpenSession opens a session on the slot
func (t *Token) OpenSession(slotID uint, flags uint) (pkcs11.SessionHandle, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if err := t.enter("OpenSession"); err != nil {
		return 0, err
	}
	if !t.hasSlot(slotID) {
		return 0, pkcs11.Error(pkcs11.CKR_SLOT_ID_INVALID)
	}
	if flags&pkcs11.CKF_SERIAL_SESSION == 0 {
		return 0, pkcs11.Error(pkcs11.CKR_SESSION_PARALLEL_NOT_SUPPORTED)
	}
	sh := t.nextSession
	t.nextSession++
	t.sessions[sh] = &session{
		slot: slotID,
		rw:   flags&pkcs11.CKF_RW_SESSION != 0,
	}
	return sh, nil
}

// CloseSession closes the session and destroys its session objects
func (t *Token) CloseSession(sh pkcs11.SessionHandle) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if _, err := t.session("CloseSession", sh); err != nil {
		return err
	}
	t.closeSession(sh)
	return nil
}

func (t *Token) closeSession(sh pkcs11.SessionHandle) {
	delete(t.sessions, sh)
	for h, o := range t.objects {
		if o.session == sh {
			delete(t.objects, h)
		}
	}
	if len(t.sessions) == 0 {
		t.loggedIn = false
	}
}

// Login logs in the normal user
func (t *Token) Login(sh pkcs11.SessionHandle, userType uint, pin string) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if _, err := t.session("Login", sh); err != nil {
		return err
	}
	if userType != pkcs11.CKU_USER {
		return pkcs11.Error(pkcs11.CKR_USER_TYPE_INVALID)
	}
	if t.loggedIn {
		return pkcs11.Error(pkcs11.CKR_USER_ALREADY_LOGGED_IN)
	}
	if pin != t.pin {
		return pkcs11.Error(pkcs11.CKR_PIN_INCORRECT)
	}
	t.loggedIn = true
	return nil
}

// Logout logs out the user
func (t *Token) Logout(sh pkcs11.SessionHandle) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if _, err := t.session("Logout", sh); err != nil {
		return err
	}
	if !t.loggedIn {
		return pkcs11.Error(pkcs11.CKR_USER_NOT_LOGGED_IN)
	}
	t.loggedIn = false
	return nil
}

// GenerateRandom returns random bytes
func (t *Token) GenerateRandom(sh pkcs11.SessionHandle, length int) ([]byte, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if _, err := t.session("GenerateRandom", sh); err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return nil, pkcs11.Error(pkcs11.CKR_FUNCTION_FAILED)
	}
	return buf, nil
}

// CreateObject creates the object from the template
func (t *Token) CreateObject(sh pkcs11.SessionHandle, temp []*pkcs11.Attribute) (pkcs11.ObjectHandle, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	s, err := t.session("CreateObject", sh)
	if err != nil {
		return 0, err
	}
	attrs := attributeMap(temp)
	if _, ok := attrs[pkcs11.CKA_CLASS]; !ok {
		return 0, pkcs11.Error(pkcs11.CKR_TEMPLATE_INCOMPLETE)
	}
	if err = completeObject(attrs); err != nil {
		return 0, err
	}
	o, err := t.store(s, sh, attrs)
	if err != nil {
		return 0, err
	}
	return o.handle, nil
}

// CopyObject copies the object and applies the template to the copy
func (t *Token) CopyObject(sh pkcs11.SessionHandle, h pkcs11.ObjectHandle, temp []*pkcs11.Attribute) (pkcs11.ObjectHandle, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	s, err := t.session("CopyObject", sh)
	if err != nil {
		return 0, err
	}
	src, ok := t.object(h)
	if !ok {
		return 0, pkcs11.Error(pkcs11.CKR_OBJECT_HANDLE_INVALID)
	}
	attrs := make(map[uint][]byte, len(src.attrs))
	for typ, v := range src.attrs {
		attrs[typ] = append([]byte{}, v...)
	}
	for typ, v := range attributeMap(temp) {
		attrs[typ] = v
	}
	o, err := t.store(s, sh, attrs)
	if err != nil {
		return 0, err
	}
	return o.handle, nil
}

// DestroyObject destroys the object
func (t *Token) DestroyObject(sh pkcs11.SessionHandle, h pkcs11.ObjectHandle) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	s, err := t.session("DestroyObject", sh)
	if err != nil {
		return err
	}
	o, ok := t.object(h)
	if !ok {
		return pkcs11.Error(pkcs11.CKR_OBJECT_HANDLE_INVALID)
	}
	if o.bool(pkcs11.CKA_TOKEN) && !s.rw {
		return pkcs11.Error(pkcs11.CKR_SESSION_READ_ONLY)
	}
	delete(t.objects, h)
	return nil
}

// GetAttributeValue returns the requested attributes
func (t *Token) GetAttributeValue(sh pkcs11.SessionHandle, h pkcs11.ObjectHandle, a []*pkcs11.Attribute) ([]*pkcs11.Attribute, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if _, err := t.session("GetAttributeValue", sh); err != nil {
		return nil, err
	}
	o, ok := t.object(h)
	if !ok {
		return nil, pkcs11.Error(pkcs11.CKR_OBJECT_HANDLE_INVALID)
	}
	res := make([]*pkcs11.Attribute, 0, len(a))
	for _, attr := range a {
		if code, ok := t.attrFailures[attr.Type]; ok {
			return nil, pkcs11.Error(code)
		}
		if attr.Type == pkcs11.CKA_VALUE && o.isSensitive() {
			return nil, pkcs11.Error(pkcs11.CKR_ATTRIBUTE_SENSITIVE)
		}
		v, ok := o.attrs[attr.Type]
		if !ok {
			return nil, pkcs11.Error(pkcs11.CKR_ATTRIBUTE_TYPE_INVALID)
		}
		res = append(res, &pkcs11.Attribute{Type: attr.Type, Value: append([]byte{}, v...)})
	}
	return res, nil
}

// SetAttributeValue modifies the attributes of the object
func (t *Token) SetAttributeValue(sh pkcs11.SessionHandle, h pkcs11.ObjectHandle, a []*pkcs11.Attribute) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	s, err := t.session("SetAttributeValue", sh)
	if err != nil {
		return err
	}
	o, ok := t.object(h)
	if !ok {
		return pkcs11.Error(pkcs11.CKR_OBJECT_HANDLE_INVALID)
	}
	if o.bool(pkcs11.CKA_TOKEN) && !s.rw {
		return pkcs11.Error(pkcs11.CKR_SESSION_READ_ONLY)
	}
	if !o.bool(pkcs11.CKA_MODIFIABLE) {
		return pkcs11.Error(pkcs11.CKR_ATTRIBUTE_READ_ONLY)
	}
	for _, attr := range a {
		switch attr.Type {
		case pkcs11.CKA_CLASS, pkcs11.CKA_KEY_TYPE, pkcs11.CKA_VALUE, pkcs11.CKA_EC_PARAMS,
			pkcs11.CKA_EC_POINT, pkcs11.CKA_VALUE_LEN, pkcs11.CKA_LOCAL, pkcs11.CKA_TOKEN:
			return pkcs11.Error(pkcs11.CKR_ATTRIBUTE_READ_ONLY)
		}
	}
	for _, attr := range a {
		o.attrs[attr.Type] = append([]byte{}, attr.Value...)
	}
	return nil
}

// FindObjectsInit starts the search of the objects matching the template
func (t *Token) FindObjectsInit(sh pkcs11.SessionHandle, temp []*pkcs11.Attribute) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	s, err := t.session("FindObjectsInit", sh)
	if err != nil {
		return err
	}
	if s.finding {
		return pkcs11.Error(pkcs11.CKR_OPERATION_ACTIVE)
	}
	s.finding = true
	s.found = nil
	for _, o := range t.objects {
		if t.visible(o) && o.matches(temp) {
			s.found = append(s.found, o.handle)
		}
	}
	sort.Slice(s.found, func(i, j int) bool { return s.found[i] < s.found[j] })
	return nil
}

// FindObjects returns up to max of the found objects
func (t *Token) FindObjects(sh pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	s, err := t.session("FindObjects", sh)
	if err != nil {
		return nil, false, err
	}
	if !s.finding {
		return nil, false, pkcs11.Error(pkcs11.CKR_OPERATION_NOT_INITIALIZED)
	}
	n := max
	if n > len(s.found) {
		n = len(s.found)
	}
	res := s.found[:n]
	s.found = s.found[n:]
	return res, len(s.found) > 0, nil
}

// FindObjectsFinal finishes the search
func (t *Token) FindObjectsFinal(sh pkcs11.SessionHandle) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	s, err := t.session("FindObjectsFinal", sh)
	if err != nil {
		return err
	}
	if !s.finding {
		return pkcs11.Error(pkcs11.CKR_OPERATION_NOT_INITIALIZED)
	}
	s.finding = false
	s.found = nil
	return nil
}

func attributeMap(temp []*pkcs11.Attribute) map[uint][]byte {
	attrs := make(map[uint][]byte, len(temp))
	for _, a := range temp {
		attrs[a.Type] = append([]byte{}, a.Value...)
	}
	return attrs
}

// isSensitive returns true for the private and secret keys,
// which value can not be revealed
func (o *object) isSensitive() bool {
	class := o.ulong(pkcs11.CKA_CLASS)
	if class != pkcs11.CKO_PRIVATE_KEY && class != pkcs11.CKO_SECRET_KEY {
		return false
	}
	return o.bool(pkcs11.CKA_SENSITIVE) || !o.bool(pkcs11.CKA_EXTRACTABLE)
}

func (o *object) matches(temp []*pkcs11.Attribute) bool {
	for _, a := range temp {
		v, ok := o.attrs[a.Type]
		if !ok || !bytes.Equal(v, a.Value) {
			return false
		}
	}
	return true
}

func (o *object) bool(typ uint) bool {
	v := o.attrs[typ]
	return len(v) > 0 && v[0] != 0
}

func (o *object) ulong(typ uint) uint {
	return ulong(o.attrs[typ])
}

func ulong(v []byte) uint {
	switch len(v) {
	case 8:
		return uint(binary.LittleEndian.Uint64(v))
	case 4:
		return uint(binary.LittleEndian.Uint32(v))
	}
	return 0
}

func setDefault(attrs map[uint][]byte, typ uint, val any) {
	if _, ok := attrs[typ]; !ok {
		attrs[typ] = pkcs11.NewAttribute(typ, val).Value
	}
}
