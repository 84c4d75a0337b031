package trojan

import "errors"

var (
	ErrTruncatedHandshake   = errors.New("truncated trojan handshake")
	ErrMalformedHandshake   = errors.New("malformed trojan handshake")
	ErrUnknownCommand       = errors.New("unknown trojan command")
	ErrAuthenticationFailed = errors.New("trojan authentication failed")
	ErrUnsupportedCommand   = errors.New("unsupported trojan command")
)
