package auth

import "errors"

var (
	// ErrUnauthenticated means no valid principal could be resolved.
	ErrUnauthenticated = errors.New("auth: unauthenticated")
	// ErrForbidden means the principal's role is not in the allowed set.
	ErrForbidden = errors.New("auth: forbidden")
	// ErrInvalidToken indicates the bearer token failed validation.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrNotFound indicates a missing user record.
	ErrNotFound = errors.New("auth: user not found")
	// ErrAlreadyExists indicates a username collision at registration.
	ErrAlreadyExists = errors.New("auth: user already exists")
	// ErrInvalidInput flags malformed registration or login input.
	ErrInvalidInput = errors.New("auth: invalid input")
)
