package identity

import (
	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeCallTimeout        = "IDENTITY_CALL_TIMEOUT"
	TextCodePermissionDenied   = "IDENTITY_PERMISSION_DENIED"
	TextCodeNotProvisioned     = "IDENTITY_NOT_PROVISIONED"
	TextCodeDelegationNotFound = "IDENTITY_DELEGATION_NOT_FOUND"
	TextCodeMfaUnverified      = "IDENTITY_MFA_UNVERIFIED"
)

// ErrTimeout is returned when a remote identity call exceeds its deadline.
// It is retryable through the background and manual recovery paths only;
// nothing in this package retries automatically in a loop.
var ErrTimeout = goerrors.New("identity call timed out", goerrors.CategoryOperation).
	WithTextCode(TextCodeCallTimeout)

// ErrPermissionDenied is the fail-closed terminal error: the backend rejected
// the caller's own profile read. The cache is wiped and a fresh login is required.
var ErrPermissionDenied = goerrors.New("permission denied reading caller profile", goerrors.CategoryAuthz).
	WithTextCode(TextCodePermissionDenied)

// ErrNotProvisioned is returned when no profile exists for the session user
// even after provisioning sync; the caller belongs in the registration flow.
var ErrNotProvisioned = goerrors.New("no profile provisioned for session user", goerrors.CategoryNotFound).
	WithTextCode(TextCodeNotProvisioned).
	WithCode(goerrors.CodeNotFound)

// ErrDelegationNotFound is returned by the directory when no agent
// relationship grants the caller access to the requested sender org.
// Context switching treats it as a logged no-op, never a failure.
var ErrDelegationNotFound = goerrors.New("no delegation relationship for sender org", goerrors.CategoryNotFound).
	WithTextCode(TextCodeDelegationNotFound).
	WithCode(goerrors.CodeNotFound)

// IsTimeoutError reports whether err is (or wraps) a bounded-call timeout.
func IsTimeoutError(err error) bool {
	return hasTextCode(err, TextCodeCallTimeout)
}

// IsPermissionDenied reports whether err is the fail-closed permission error.
func IsPermissionDenied(err error) bool {
	return hasTextCode(err, TextCodePermissionDenied)
}

// IsNotProvisioned reports whether err marks a missing profile after sync.
func IsNotProvisioned(err error) bool {
	return hasTextCode(err, TextCodeNotProvisioned)
}

// IsDelegationNotFound reports whether err marks a missing agent relationship.
func IsDelegationNotFound(err error) bool {
	return hasTextCode(err, TextCodeDelegationNotFound)
}

// IsTerminalError reports whether err ends the current resolution session:
// permission denied (fail closed) or unprovisioned (registration redirect).
// Everything else is treated as transient and eligible for cache fallback.
func IsTerminalError(err error) bool {
	return IsPermissionDenied(err) || IsNotProvisioned(err)
}

// hasTextCode walks the source chain so a wrapped sentinel still matches.
func hasTextCode(err error, code string) bool {
	for err != nil {
		var richErr *goerrors.Error
		if !goerrors.As(err, &richErr) {
			return false
		}
		if richErr.TextCode == code {
			return true
		}
		err = richErr.Source
	}
	return false
}
