package repo

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrInvalidCriteria = errors.New("invalid criteria")
)
