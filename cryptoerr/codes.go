package cryptoerr

import (
	"fmt"

	"github.com/miekg/pkcs11"
)

// idempotent lists the return codes of operations that found the token
// already in the requested state.
var idempotent = map[uint]string{
	pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED: "C_Initialize",
	pkcs11.CKR_USER_ALREADY_LOGGED_IN:       "C_Login",
	pkcs11.CKR_USER_NOT_LOGGED_IN:           "C_Logout",
}

// Normalize converts the failure of the token call op into nil
// when it carries the idempotent return code of op,
// otherwise it returns the wrapped TokenError.
func Normalize(op string, err error) error {
	if err == nil {
		return nil
	}
	if code, ok := Code(err); ok {
		if idempotentOp, ok := idempotent[code]; ok && idempotentOp == op {
			return nil
		}
	}
	return Token(op, err)
}

// IsIdempotent returns true if code is one of the recognized
// already-in-state return codes
func IsIdempotent(code uint) bool {
	_, ok := idempotent[code]
	return ok
}

// codeNames provides names for the return codes the adapter checks for
var codeNames = map[uint]string{
	pkcs11.CKR_OK:                           "CKR_OK",
	pkcs11.CKR_GENERAL_ERROR:                "CKR_GENERAL_ERROR",
	pkcs11.CKR_FUNCTION_FAILED:              "CKR_FUNCTION_FAILED",
	pkcs11.CKR_ARGUMENTS_BAD:                "CKR_ARGUMENTS_BAD",
	pkcs11.CKR_ATTRIBUTE_SENSITIVE:          "CKR_ATTRIBUTE_SENSITIVE",
	pkcs11.CKR_ATTRIBUTE_TYPE_INVALID:       "CKR_ATTRIBUTE_TYPE_INVALID",
	pkcs11.CKR_ATTRIBUTE_VALUE_INVALID:      "CKR_ATTRIBUTE_VALUE_INVALID",
	pkcs11.CKR_DATA_LEN_RANGE:               "CKR_DATA_LEN_RANGE",
	pkcs11.CKR_KEY_HANDLE_INVALID:           "CKR_KEY_HANDLE_INVALID",
	pkcs11.CKR_KEY_TYPE_INCONSISTENT:        "CKR_KEY_TYPE_INCONSISTENT",
	pkcs11.CKR_MECHANISM_INVALID:            "CKR_MECHANISM_INVALID",
	pkcs11.CKR_MECHANISM_PARAM_INVALID:      "CKR_MECHANISM_PARAM_INVALID",
	pkcs11.CKR_OBJECT_HANDLE_INVALID:        "CKR_OBJECT_HANDLE_INVALID",
	pkcs11.CKR_OPERATION_NOT_INITIALIZED:    "CKR_OPERATION_NOT_INITIALIZED",
	pkcs11.CKR_PIN_INCORRECT:                "CKR_PIN_INCORRECT",
	pkcs11.CKR_SESSION_CLOSED:               "CKR_SESSION_CLOSED",
	pkcs11.CKR_SESSION_HANDLE_INVALID:       "CKR_SESSION_HANDLE_INVALID",
	pkcs11.CKR_SESSION_READ_ONLY:            "CKR_SESSION_READ_ONLY",
	pkcs11.CKR_SIGNATURE_INVALID:            "CKR_SIGNATURE_INVALID",
	pkcs11.CKR_SIGNATURE_LEN_RANGE:          "CKR_SIGNATURE_LEN_RANGE",
	pkcs11.CKR_TEMPLATE_INCOMPLETE:          "CKR_TEMPLATE_INCOMPLETE",
	pkcs11.CKR_TEMPLATE_INCONSISTENT:        "CKR_TEMPLATE_INCONSISTENT",
	pkcs11.CKR_TOKEN_NOT_PRESENT:            "CKR_TOKEN_NOT_PRESENT",
	pkcs11.CKR_USER_ALREADY_LOGGED_IN:       "CKR_USER_ALREADY_LOGGED_IN",
	pkcs11.CKR_USER_NOT_LOGGED_IN:           "CKR_USER_NOT_LOGGED_IN",
	pkcs11.CKR_USER_PIN_NOT_INITIALIZED:     "CKR_USER_PIN_NOT_INITIALIZED",
	pkcs11.CKR_RANDOM_NO_RNG:                "CKR_RANDOM_NO_RNG",
	pkcs11.CKR_CRYPTOKI_NOT_INITIALIZED:     "CKR_CRYPTOKI_NOT_INITIALIZED",
	pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED: "CKR_CRYPTOKI_ALREADY_INITIALIZED",
	pkcs11.CKR_DOMAIN_PARAMS_INVALID:        "CKR_DOMAIN_PARAMS_INVALID",
	pkcs11.CKR_SLOT_ID_INVALID:              "CKR_SLOT_ID_INVALID",
	pkcs11.CKR_OPERATION_ACTIVE:             "CKR_OPERATION_ACTIVE",
	pkcs11.CKR_KEY_FUNCTION_NOT_PERMITTED:   "CKR_KEY_FUNCTION_NOT_PERMITTED",
	pkcs11.CKR_KEY_UNEXTRACTABLE:            "CKR_KEY_UNEXTRACTABLE",
	pkcs11.CKR_USER_TYPE_INVALID:            "CKR_USER_TYPE_INVALID",
	pkcs11.CKR_DEVICE_ERROR:                 "CKR_DEVICE_ERROR",
	pkcs11.CKR_DEVICE_REMOVED:               "CKR_DEVICE_REMOVED",
	pkcs11.CKR_BUFFER_TOO_SMALL:             "CKR_BUFFER_TOO_SMALL",
	pkcs11.CKR_FUNCTION_NOT_SUPPORTED:       "CKR_FUNCTION_NOT_SUPPORTED",
	pkcs11.CKR_ATTRIBUTE_READ_ONLY:          "CKR_ATTRIBUTE_READ_ONLY",
}

// CodeName returns the symbolic name of the return code
func CodeName(code uint) string {
	if name, ok := codeNames[code]; ok {
		return fmt.Sprintf("%s (0x%X)", name, code)
	}
	return fmt.Sprintf("CKR_0x%X", code)
}
