// Package hookerr defines the error kinds the hook engine can fail with.
package hookerr

import "errors"

// Sentinel errors for each failure kind in the engine. Wrap with fmt.Errorf
// and %w so callers can still errors.Is against these.
var (
	ErrLookupFailure            = errors.New("funchook: symbol lookup failed")
	ErrDecodeFailure            = errors.New("funchook: could not decode instruction")
	ErrUnrelocatableInstruction = errors.New("funchook: instruction cannot be safely relocated")
	ErrOutOfMemory              = errors.New("funchook: could not allocate a stub near target")
	ErrPermissionFailure        = errors.New("funchook: page protection change refused")
	ErrThreadControlFailure     = errors.New("funchook: thread enumeration/suspend/resume failed")
)
