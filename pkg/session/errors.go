package session

import "errors"

var (
	// ErrNotConnected is returned when an operation needs a CONNECTED session.
	ErrNotConnected = errors.New("session is not connected")
	// ErrNoSession is returned when the tenant has no live handle.
	ErrNoSession = errors.New("no active session")

	errHandleClosed = errors.New("session handle is closed")
)
