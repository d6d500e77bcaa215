package errors

import (
	"errors"
	"fmt"
)

// Error taxonomy for the session and impersonation engine
var (
	// Authentication errors
	ErrAuthenticationFailed    = errors.New("authentication failed")
	ErrInsufficientPermissions = errors.New("insufficient permissions")
	ErrSessionUnavailable      = errors.New("session unavailable")
	ErrCorruptState            = errors.New("authenticated user has no role")

	// Impersonation errors
	ErrImpersonationConflict    = errors.New("impersonation conflict")
	ErrImpersonationExpired     = errors.New("impersonation expired")
	ErrImpersonationStartFailed = errors.New("impersonation start failed")
	ErrNotImpersonating         = errors.New("no impersonation active")
	ErrInvalidReason            = errors.New("invalid impersonation reason")

	// Infrastructure errors
	ErrStorageCorrupt     = errors.New("storage corrupt")
	ErrBackendUnreachable = errors.New("backend unreachable")

	// General errors
	ErrNotFound        = errors.New("not found")
	ErrInvalidResponse = errors.New("invalid backend response")
	ErrInvalidRequest  = errors.New("invalid request")
)

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
