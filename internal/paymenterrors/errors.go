// Package paymenterrors defines the structured error type shared by every
// core component, in the same flat *ValidationError{Code, Message} shape
// internal/sessionkeys uses, extended with the stable numeric codes,
// retryability, and remediation text the wire contract requires.
package paymenterrors

import "fmt"

// Kind classifies an Error into one of the five taxonomy buckets. It is
// carried alongside the numeric Code rather than modeled as five distinct
// Go error types, mirroring the flat ValidationError convention this
// module's teacher uses throughout.
type Kind int

const (
	KindPolicy Kind = iota
	KindProtocol
	KindCrypto
	KindTransient
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindPolicy:
		return "policy"
	case KindProtocol:
		return "protocol"
	case KindCrypto:
		return "crypto"
	case KindTransient:
		return "transient"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Stable numeric error codes, user-visible on the wire.
const (
	CodeSessionExpired = 1001
	CodeSessionRevoked = 1002
	CodeSessionInvalid = 1003
	CodeLimitExceeded  = 2001
	CodePaymentFailed  = 4001
	CodePaymentTimeout = 4002
	CodeNetworkError   = 5001
	CodeX402Parse      = 6001
	CodeTokenExpired   = 7001
	CodeTokenInvalid   = 7002
	CodeTokenRevoked   = 7003
)

// Error is the single structured error type returned by every fallible
// core operation.
type Error struct {
	Code        int    `json:"code"`
	Message     string `json:"message"`
	Kind        Kind   `json:"kind"`
	Retryable   bool   `json:"retryable"`
	Remediation string `json:"remediation"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (code=%d): %s", e.Kind, e.Code, e.Message)
}

func newErr(code int, kind Kind, retryable bool, message, remediation string) *Error {
	return &Error{Code: code, Message: message, Kind: kind, Retryable: retryable, Remediation: remediation}
}

// Sentinel errors for the conditions named explicitly by the wire contract.
var (
	ErrSessionExpired = newErr(CodeSessionExpired, KindPolicy, false,
		"session has expired", "create a new session")
	ErrSessionRevoked = newErr(CodeSessionRevoked, KindPolicy, false,
		"session has been revoked", "create a new session")
	ErrSessionInvalid = newErr(CodeSessionInvalid, KindPolicy, false,
		"session is not valid", "verify the session key hash")
	ErrLimitExceeded = newErr(CodeLimitExceeded, KindPolicy, false,
		"spending limit exceeded", "wait for the daily window to reset or request a higher cap")
	ErrPaymentFailed = newErr(CodePaymentFailed, KindProtocol, false,
		"payment was rejected", "inspect the settlement reason before retrying")
	ErrPaymentTimeout = newErr(CodePaymentTimeout, KindTransient, true,
		"payment request timed out", "retry with backoff")
	ErrNetworkError = newErr(CodeNetworkError, KindTransient, true,
		"network error", "retry with backoff")
	ErrX402Parse = newErr(CodeX402Parse, KindProtocol, false,
		"malformed 402 challenge", "check the PAYMENT-REQUIRED header encoding")
	ErrTokenExpired = newErr(CodeTokenExpired, KindPolicy, false,
		"payment token has expired", "mint a new token")
	ErrTokenInvalid = newErr(CodeTokenInvalid, KindProtocol, false,
		"payment token is malformed or unknown", "mint a new token")
	ErrTokenRevoked = newErr(CodeTokenRevoked, KindPolicy, false,
		"payment token has been revoked", "mint a new token")
)

// PerTxExceeded builds a PolicyError carrying the reason string the spec
// requires check() to return verbatim.
func PerTxExceeded(reason string) *Error {
	return newErr(CodeLimitExceeded, KindPolicy, false, reason, "reduce the amount or wait for the next session")
}

// DailyExceeded builds a PolicyError for the daily-cap case.
func DailyExceeded(reason string) *Error {
	return newErr(CodeLimitExceeded, KindPolicy, false, reason, "wait for the daily window to reset")
}

// MalformedChallenge wraps a decode failure in the 402 response body.
func MalformedChallenge(detail string) *Error {
	e := *ErrX402Parse
	if detail != "" {
		e.Message = e.Message + ": " + detail
	}
	return &e
}

// PaymentRejected wraps a server-supplied rejection reason from a second
// 402 response returned after a signed retry.
func PaymentRejected(serverReason string) *Error {
	e := *ErrPaymentFailed
	if serverReason != "" {
		e.Message = e.Message + ": " + serverReason
	}
	return &e
}

// Crypto wraps an AES-GCM or signature failure. Callers must never embed
// key material in message.
func Crypto(message string) *Error {
	return newErr(0, KindCrypto, false, message, "do not retry; investigate key material handling")
}

// Internal wraps a fatal, post-hoc invariant violation. The caller is
// expected to quarantine the affected session rather than recover silently.
func Internal(message string) *Error {
	return newErr(0, KindInternal, false, message, "quarantine the affected session and alert an operator")
}

// Transient wraps a retryable infrastructure failure (storage, oracle, RPC).
func Transient(message string) *Error {
	return newErr(0, KindTransient, true, message, "retry with backoff")
}
