package partner

import "errors"

var (
	ErrInvalidPort  = errors.New("partner: port out of range")
	ErrHostRequired = errors.New("partner: host required")
	ErrConnect      = errors.New("partner: connect failed")
	ErrBind         = errors.New("partner: bind failed")
	ErrNotConnected = errors.New("partner: not connected")
	ErrConnClosed   = errors.New("partner: connection closed")
	ErrReadTimeout  = errors.New("partner: read timeout")
)
