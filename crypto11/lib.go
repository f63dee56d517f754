package crypto11

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11crypto/cryptoerr"
	"github.com/effective-security/p11crypto/metricskey"
	"github.com/effective-security/xlog"
	"github.com/miekg/pkcs11"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/p11crypto", "crypto11")

// ProviderName specifies a provider name for metrics
const ProviderName = "PKCS11"

// MaxRandomBytes is the maximum size of a single random request
const MaxRandomBytes = 65536

// SessionFunc is executed with exclusive access to the session
type SessionFunc func(m Module, sh pkcs11.SessionHandle) error

// PKCS11Lib owns the loaded PKCS#11 library and
// the single session opened on the configured slot.
//
// All calls to the library are serialized through Do.
type PKCS11Lib struct {
	Ctx  Module
	Slot *SlotTokenInfo
	Cfg  *TokenConfig

	lock          sync.Mutex
	session       pkcs11.SessionHandle
	generation    atomic.Uint64
	loginRequired bool
	loggedIn      bool
	closed        bool
	mechanisms    map[uint]bool
	vendors       map[string]uint
}

// Init loads the library with DefaultLoader and opens the session
func Init(cfg *TokenConfig) (*PKCS11Lib, error) {
	return InitWithLoader(cfg, DefaultLoader)
}

// ConfigureFromFile is a convenience method, which parses the configuration file
// and calls Init with the results.
func ConfigureFromFile(configLocation string) (*PKCS11Lib, error) {
	config, err := LoadTokenConfig(configLocation)
	if err != nil {
		return nil, err
	}
	return Init(config)
}

// InitWithLoader loads the library with the provided loader,
// selects the slot by index, opens the session and
// logs in, if the PIN is configured.
// On failure the module is finalized, if this call initialized it.
func InitWithLoader(cfg *TokenConfig, loader ModuleLoader) (_ *PKCS11Lib, err error) {
	if cfg == nil {
		return nil, cryptoerr.Configurationf("configuration is not provided")
	}
	if loader == nil {
		loader = DefaultLoader
	}

	ctx, err := loader(cfg.Path)
	if err != nil {
		return nil, cryptoerr.Configurationf("unable to load library %q: %v", cfg.Path, err)
	}

	reserved := libraryParameters(cfg.LibraryParameters)
	var opts []pkcs11.InitializeOption
	if reserved != nil {
		opts = append(opts, pkcs11.InitializeWithReserved(unsafe.Pointer(&reserved[0])))
	}
	initErr := ctx.Initialize(opts...)
	runtime.KeepAlive(reserved)
	if err = cryptoerr.Normalize("C_Initialize", initErr); err != nil {
		ctx.Destroy()
		return nil, err
	}
	// ALREADY_INITIALIZED means the module is shared with another instance
	owned := initErr == nil
	defer func() {
		if err == nil {
			return
		}
		if owned {
			if ferr := ctx.Finalize(); ferr != nil {
				logger.KV(xlog.WARNING, "reason", "finalize", "err", ferr.Error())
			}
		}
		ctx.Destroy()
	}()

	slots, err := ctx.GetSlotList(true)
	if err != nil {
		return nil, cryptoerr.Token("C_GetSlotList", err)
	}
	if cfg.Slot < 0 || cfg.Slot >= len(slots) {
		return nil, cryptoerr.Configurationf("slot by index %d is not found, available: %d", cfg.Slot, len(slots))
	}
	slotID := slots[cfg.Slot]

	si, err := ctx.GetSlotInfo(slotID)
	if err != nil {
		return nil, cryptoerr.Token("C_GetSlotInfo", err)
	}
	ti, err := ctx.GetTokenInfo(slotID)
	if err != nil {
		return nil, cryptoerr.Token("C_GetTokenInfo", err)
	}

	lib := &PKCS11Lib{
		Ctx: ctx,
		Cfg: cfg,
		Slot: &SlotTokenInfo{
			id:           slotID,
			description:  strings.TrimSpace(si.SlotDescription),
			label:        strings.TrimSpace(ti.Label),
			manufacturer: strings.TrimSpace(ti.ManufacturerID),
			model:        strings.TrimSpace(ti.Model),
			serial:       strings.TrimSpace(ti.SerialNumber),
			flags:        ti.Flags,
		},
		loginRequired: ti.Flags&pkcs11.CKF_LOGIN_REQUIRED != 0,
		mechanisms:    map[uint]bool{},
		vendors:       map[string]uint{},
	}
	lib.loggedIn = !lib.loginRequired

	mechs, err := ctx.GetMechanismList(slotID)
	if err != nil {
		return nil, cryptoerr.Token("C_GetMechanismList", err)
	}
	for _, m := range mechs {
		lib.mechanisms[m.Mechanism] = true
	}
	for name, val := range cfg.Vendors {
		lib.vendors[normalizeMechanismName(name)] = val
	}

	lib.session, err = lib.openSession()
	if err != nil {
		return nil, err
	}

	logger.KV(xlog.INFO,
		"slot", slotID,
		"label", lib.Slot.label,
		"manufacturer", lib.Slot.manufacturer,
		"model", lib.Slot.model,
		"mechanisms", len(lib.mechanisms),
		"login_required", lib.loginRequired,
		"library_parameters", reserved != nil,
		"rw", cfg.ReadWrite)

	if cfg.Pin != "" && lib.loginRequired {
		if err = lib.Login(context.Background(), cfg.Pin); err != nil {
			_ = ctx.CloseSession(lib.session)
			return nil, err
		}
	}

	return lib, nil
}

// libraryParameters returns the NUL terminated parameter string
// passed to C_Initialize as pReserved, nil if params is empty
func libraryParameters(params string) []byte {
	if params == "" {
		return nil
	}
	return append([]byte(params), 0)
}

func (lib *PKCS11Lib) openSession() (pkcs11.SessionHandle, error) {
	flags := uint(pkcs11.CKF_SERIAL_SESSION)
	if lib.Cfg.ReadWrite {
		flags |= pkcs11.CKF_RW_SESSION
	}
	sh, err := lib.Ctx.OpenSession(lib.Slot.id, flags)
	if err != nil {
		return 0, cryptoerr.Token("C_OpenSession", err)
	}
	return sh, nil
}

// Do executes fn with exclusive access to the current session.
// The context is checked before fn is called,
// a call that is already issued to the library is not cancelled.
func (lib *PKCS11Lib) Do(ctx context.Context, fn SessionFunc) error {
	lib.lock.Lock()
	defer lib.lock.Unlock()

	if err := lib.checkLocked(ctx); err != nil {
		return err
	}
	return fn(lib.Ctx, lib.session)
}

func (lib *PKCS11Lib) checkLocked(ctx context.Context) error {
	if lib.closed {
		return errors.WithStack(cryptoerr.ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// Generation returns the counter of the session incarnations,
// it changes on every Reset
func (lib *PKCS11Lib) Generation() uint64 {
	return lib.generation.Load()
}

// Login authenticates the session as the normal user.
// It is no-op for a token that does not require login,
// an already logged in session is not an error.
func (lib *PKCS11Lib) Login(ctx context.Context, pin string) error {
	defer metricskey.PerfCryptoOperation.MeasureSince(time.Now(), ProviderName, "login")

	lib.lock.Lock()
	defer lib.lock.Unlock()

	if err := lib.checkLocked(ctx); err != nil {
		return err
	}
	if !lib.loginRequired {
		return nil
	}
	if err := cryptoerr.Normalize("C_Login", lib.Ctx.Login(lib.session, pkcs11.CKU_USER, pin)); err != nil {
		return err
	}
	lib.loggedIn = true
	logger.KV(xlog.DEBUG, "status", "logged_in", "slot", lib.Slot.id)
	return nil
}

// Logout de-authenticates the session.
// It is no-op for a token that does not require login,
// a session that is not logged in is not an error.
func (lib *PKCS11Lib) Logout(ctx context.Context) error {
	defer metricskey.PerfCryptoOperation.MeasureSince(time.Now(), ProviderName, "logout")

	lib.lock.Lock()
	defer lib.lock.Unlock()

	if err := lib.checkLocked(ctx); err != nil {
		return err
	}
	if !lib.loginRequired {
		return nil
	}
	if err := cryptoerr.Normalize("C_Logout", lib.Ctx.Logout(lib.session)); err != nil {
		return err
	}
	lib.loggedIn = false
	logger.KV(xlog.DEBUG, "status", "logged_out", "slot", lib.Slot.id)
	return nil
}

// Reset logs out when logged in and login is required,
// closes the session and opens a new one with the same flags.
// Objects obtained before Reset become stale.
func (lib *PKCS11Lib) Reset(ctx context.Context) error {
	defer metricskey.PerfCryptoOperation.MeasureSince(time.Now(), ProviderName, "reset")

	lib.lock.Lock()
	defer lib.lock.Unlock()

	if err := lib.checkLocked(ctx); err != nil {
		return err
	}

	if lib.loggedIn && lib.loginRequired {
		if err := cryptoerr.Normalize("C_Logout", lib.Ctx.Logout(lib.session)); err != nil {
			return err
		}
		lib.loggedIn = false
	}

	if err := lib.Ctx.CloseSession(lib.session); err != nil {
		return cryptoerr.Token("C_CloseSession", err)
	}
	// objects of the closed session are gone even if the new one fails to open
	gen := lib.generation.Add(1)

	sh, err := lib.openSession()
	if err != nil {
		return err
	}
	lib.session = sh

	logger.KV(xlog.DEBUG, "status", "reset", "slot", lib.Slot.id, "generation", gen)
	return nil
}

// GenerateRandom returns n random bytes produced by the token
func (lib *PKCS11Lib) GenerateRandom(ctx context.Context, n int) ([]byte, error) {
	if n < 0 || n > MaxRandomBytes {
		return nil, cryptoerr.Rangef("the requested length %d exceeds the number of bytes of entropy available: %d", n, MaxRandomBytes)
	}
	if n == 0 {
		return []byte{}, nil
	}

	defer metricskey.PerfCryptoOperation.MeasureSince(time.Now(), ProviderName, "random")

	var res []byte
	err := lib.Do(ctx, func(m Module, sh pkcs11.SessionHandle) error {
		var err error
		res, err = m.GenerateRandom(sh, n)
		return cryptoerr.Token("C_GenerateRandom", err)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Close logs out, closes the session, finalizes and unloads the library.
// It returns the first error, after all teardown steps are attempted.
// Subsequent calls are no-op.
func (lib *PKCS11Lib) Close() error {
	lib.lock.Lock()
	defer lib.lock.Unlock()

	if lib.closed {
		return nil
	}
	lib.closed = true

	var errs []error
	if lib.loginRequired {
		if err := cryptoerr.Normalize("C_Logout", lib.Ctx.Logout(lib.session)); err != nil {
			errs = append(errs, err)
		}
	}
	lib.loggedIn = false

	if err := lib.Ctx.CloseSession(lib.session); err != nil {
		errs = append(errs, cryptoerr.Token("C_CloseSession", err))
	}
	if err := lib.Ctx.Finalize(); err != nil {
		errs = append(errs, cryptoerr.Token("C_Finalize", err))
	}
	lib.Ctx.Destroy()

	for _, err := range errs {
		logger.KV(xlog.WARNING, "reason", "close", "err", err.Error())
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// IsClosed returns true after Close
func (lib *PKCS11Lib) IsClosed() bool {
	lib.lock.Lock()
	defer lib.lock.Unlock()
	return lib.closed
}

// IsLoginRequired returns true if the token requires login
func (lib *PKCS11Lib) IsLoginRequired() bool {
	return lib.loginRequired
}

// IsLoggedIn returns true if the session is authenticated,
// or the token does not require login
func (lib *PKCS11Lib) IsLoggedIn() bool {
	lib.lock.Lock()
	defer lib.lock.Unlock()
	return lib.loggedIn
}

// IsReadWrite returns true if the session is opened with CKF_RW_SESSION
func (lib *PKCS11Lib) IsReadWrite() bool {
	return lib.Cfg.ReadWrite
}

// Defaults returns the defaults for created keys
func (lib *PKCS11Lib) Defaults() KeyDefaults {
	return lib.Cfg.Defaults
}

// MechanismSupported returns true if the token reports the mechanism
func (lib *PKCS11Lib) MechanismSupported(mech uint) bool {
	return lib.mechanisms[mech]
}

// MechanismByName returns CKM_ value by the name,
// the configured vendor mechanisms take precedence
func (lib *PKCS11Lib) MechanismByName(name string) (uint, bool) {
	name = normalizeMechanismName(name)
	if val, ok := lib.vendors[name]; ok {
		return val, true
	}
	val, ok := MechanismNames[name]
	return val, ok
}
