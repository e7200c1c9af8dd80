// internal/websocket/errors.go
package websocket

import "errors"

var (
	ErrHubClosed    = errors.New("realtime hub is shut down")
	ErrNotConnected = errors.New("connection is not registered")
)
