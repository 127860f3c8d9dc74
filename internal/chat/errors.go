package chat

import "errors"

var (
	ErrInvalidFrame = errors.New("invalid frame format")
	ErrUnauthorized = errors.New("unauthorized")
)
