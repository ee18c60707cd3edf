package models

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrBlocked      = errors.New("blocked")
	ErrNotFound     = errors.New("not found")
	ErrInvalid      = errors.New("invalid")
	ErrTransient    = errors.New("temporarily unavailable")

	ErrEditWindow = errors.New("edit window has expired")
	ErrLastAdmin  = errors.New("cannot remove or demote the last admin")
	ErrUserExists = errors.New("user already exists")
)

// ErrorCode maps an error to the code reported to clients.
// Anything outside the taxonomy is treated as transient.
func ErrorCode(err error) ServerMessageType {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return ServerMessageTypeUnauthorized
	case errors.Is(err, ErrEditWindow):
		return ServerMessageTypeEditWindow
	case errors.Is(err, ErrLastAdmin):
		return ServerMessageTypeLastAdmin
	case errors.Is(err, ErrForbidden):
		return ServerMessageTypeForbidden
	case errors.Is(err, ErrBlocked):
		return ServerMessageTypeBlocked
	case errors.Is(err, ErrNotFound):
		return ServerMessageTypeNotFound
	case errors.Is(err, ErrInvalid), errors.Is(err, ErrUserExists):
		return ServerMessageTypeInvalid
	default:
		return ServerMessageTypeTransient
	}
}

// Transient wraps infrastructure failures (store unavailable, encoding errors)
// so they surface as ErrTransient. Errors already in the taxonomy pass through.
func Transient(err error) error {
	if err == nil || errors.Is(err, ErrTransient) || ErrorCode(err) != ServerMessageTypeTransient {
		return err
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}
