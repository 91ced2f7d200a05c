package services

import (
	"errors"
	"fmt"
)

// Failure classes of a poll cycle. Connection and protocol failures only
// abort the current cycle. Persistence failures change durability: the
// affected events are left unrecorded so a later poll retries them.
var (
	ErrConnection  = errors.New("connection error")
	ErrProtocol    = errors.New("protocol error")
	ErrPersistence = errors.New("persistence error")
)

// CycleError carries the device and job context of a failed cycle.
// errors.Is matches both its class and the underlying cause.
type CycleError struct {
	Device  string
	Tag     string
	CycleID string
	Kind    error
	Err     error
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s %s poll %s: %v: %v", e.Device, e.Tag, e.CycleID, e.Kind, e.Err)
}

func (e *CycleError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}
