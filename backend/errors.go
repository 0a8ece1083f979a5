package backend

import "github.com/pkg/errors"

var (
	ErrPageflipPending = errors.New("a page flip is already pending")
	ErrNoCrtc          = errors.New("no CRTC available")
	ErrNotConnected    = errors.New("output is not connected")
	ErrNoPossibleCrtcs = errors.New("connector has no usable encoder")
	ErrCursorTooLarge  = errors.New("cursor image too large")
	ErrSessionInactive = errors.New("session is not active")
)
