package service

import "errors"

// Connection failures surface through ConnectionState as a single Error
// message; these sentinels let callers and tests classify the cause with
// errors.Is while the state itself stays a plain string.
var (
	ErrProfileNotFound  = errors.New("profile not found")
	ErrInterfaceFailed  = errors.New("virtual interface failed")
	ErrBackendCrashed   = errors.New("backend exited during startup")
	ErrPortNotListening = errors.New("port not listening")
	ErrHandshakeTimeout = errors.New("handshake timed out")
	ErrBridgeFailed     = errors.New("bridge start failed")
	ErrSshAuth          = errors.New("ssh authentication failed")
	ErrReconnectFailed  = errors.New("reconnect failed")
)
