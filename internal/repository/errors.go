package repository

import "errors"

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned when an optimistic-locked update matched no
// row because the version column moved. Callers should reload and retry.
var ErrVersionConflict = errors.New("version conflict")
