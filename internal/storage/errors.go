package storage

import "errors"

// ErrCorruptState is returned when a persisted document cannot be decoded. The
// accompanying result is empty and the bad file has been moved aside.
var ErrCorruptState = errors.New("corrupt persisted state")
