package models

import "errors"

// Failure kinds reported by the processing packages. Operations wrap these
// with the operation name and the offending value; match with errors.Is.
var (
	ErrUnreadableFile        = errors.New("unreadable file")
	ErrUnsupportedShape      = errors.New("unsupported shape")
	ErrIndexOutOfRange       = errors.New("index out of range")
	ErrEmptyChannel          = errors.New("empty channel")
	ErrInvalidComponentCount = errors.New("invalid component count")
	ErrDegenerateInput       = errors.New("degenerate input")
	ErrUnknownMethod         = errors.New("unknown method")
)
