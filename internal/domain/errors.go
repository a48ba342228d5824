package domain

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrRejected     = errors.New("rejected")
	ErrUnauthorized = errors.New("unauthorized")
	ErrUpstream     = errors.New("upstream error")
	ErrUnavailable  = errors.New("unavailable")
	ErrInvalidInput = errors.New("invalid input")
)
