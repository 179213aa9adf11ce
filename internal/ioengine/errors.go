package ioengine

import "errors"

// ErrUnsupported is returned by Submit on a readiness backend and by
// Register/Modify/Deregister on a submission/completion backend — each
// profile only implements half of the Backend interface meaningfully.
var ErrUnsupported = errors.New("ioengine: operation unsupported by this backend profile")

// ErrRingFull is returned when the submission ring has no free slots.
var ErrRingFull = errors.New("ioengine: submission queue full")
