package types

import (
	"errors"
	"fmt"
)

// ErrStateGone is returned by a state load when no matching row exists. It
// is not fatal: the protocol layer answers with StatusKeyMismatch and the
// client restarts the series from key "0".
var ErrStateGone = errors.New("sync state gone")

// ErrDeviceNotFound is returned when loading an unknown device id. The
// caller decides whether to provision or reject.
var ErrDeviceNotFound = errors.New("device not found")

// ProtocolError reports a malformed sync key. The protocol layer answers
// with StatusProtocolError and must not attempt further state operations.
type ProtocolError struct {
	Key string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("malformed sync key %q", e.Key)
}

// InvariantViolation is a programming error, e.g. setting a policy key for
// a device that is not the currently loaded one. Always fatal.
type InvariantViolation struct {
	Reason string
}

func (e *InvariantViolation) Error() string {
	return "invariant violation: " + e.Reason
}
