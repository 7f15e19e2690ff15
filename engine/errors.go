package engine

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidInput  = errors.New("invalid input")
	ErrNotWritable   = errors.New("tag is not writable")
	ErrSaveFailed    = errors.New("failed to save config")
)
