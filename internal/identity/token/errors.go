package token

import (
	"errors"
	"fmt"
)

// ErrorCode classifies why a token failed verification.
type ErrorCode string

const (
	CodeMalformed        ErrorCode = "malformed_token"
	CodeSignatureInvalid ErrorCode = "signature_invalid"
	CodeClaimsInvalid    ErrorCode = "claims_invalid"
	CodeKeyUnavailable   ErrorCode = "key_unavailable"
)

var errorMessages = map[ErrorCode]string{
	CodeMalformed:        "malformed token",
	CodeSignatureInvalid: "invalid token signature",
	CodeClaimsInvalid:    "invalid token claims",
	CodeKeyUnavailable:   "verification key unavailable",
}

// Error is returned for every verification failure.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	base := e.Message
	if base == "" {
		base = string(e.Code)
	}
	if e.Err == nil {
		return base
	}
	return fmt.Sprintf("%s: %v", base, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code ErrorCode, err error) error {
	msg, ok := errorMessages[code]
	if !ok {
		msg = string(code)
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// CodeOf extracts the verification code from err, or "" when err is not a verification error.
func CodeOf(err error) ErrorCode {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}
