package teamauth

import errs "github.com/jrsteele09/go-team-auth/internal/errors"

// Errors returned by Client. Match them with errors.Is.
var (
	ErrAuthenticationFailed     = errs.ErrAuthenticationFailed
	ErrInsufficientPermissions  = errs.ErrInsufficientPermissions
	ErrSessionUnavailable       = errs.ErrSessionUnavailable
	ErrCorruptState             = errs.ErrCorruptState
	ErrImpersonationConflict    = errs.ErrImpersonationConflict
	ErrImpersonationExpired     = errs.ErrImpersonationExpired
	ErrImpersonationStartFailed = errs.ErrImpersonationStartFailed
	ErrNotImpersonating         = errs.ErrNotImpersonating
	ErrInvalidReason            = errs.ErrInvalidReason
	ErrStorageCorrupt           = errs.ErrStorageCorrupt
	ErrBackendUnreachable       = errs.ErrBackendUnreachable
	ErrNotFound                 = errs.ErrNotFound
	ErrInvalidRequest           = errs.ErrInvalidRequest
)
