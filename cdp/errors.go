package cdp

import "errors"

var (
	// ErrConnectionLost is returned by Execute when the WebSocket
	// connection to the browser has gone away. Once a connection is lost
	// it stays lost; reconnecting means dialing a new Connection.
	ErrConnectionLost = errors.New("connection to browser lost")

	// ErrSessionClosed is returned by Execute on a session that has been
	// detached or whose target has gone away.
	ErrSessionClosed = errors.New("session closed")

	// ErrTargetCrashed is returned by Execute on a session whose target
	// has crashed.
	ErrTargetCrashed = errors.New("target crashed")
)
