package ota

import (
	"errors"
	"fmt"
)

var (
	// ErrNotReady is returned by Start when the link is not ready.
	ErrNotReady = errors.New("ota: not connected")
	// ErrActive is returned by Start while a transfer is running.
	ErrActive = errors.New("ota: transfer already active")
	// ErrEmptyImage is returned by Start for a zero-length image.
	ErrEmptyImage = errors.New("ota: empty image")
)

// TransferError reports why a transfer was aborted. Transfers never resume;
// the caller starts again from offset zero.
type TransferError struct {
	Offset int
	Total  int
	Code   int // device error code, 0 when the abort was local
	Reason string
	Err    error
}

func (e *TransferError) Error() string {
	msg := fmt.Sprintf("ota: transfer aborted at %d/%d bytes: %s", e.Offset, e.Total, e.Reason)
	if e.Code != 0 {
		msg += fmt.Sprintf(" (device code 0x%02X)", e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransferError) Unwrap() error { return e.Err }
