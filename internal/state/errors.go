package state

import "errors"

// ErrNotFound is returned when a requested tenant does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a create collides with an existing key.
var ErrConflict = errors.New("conflict")

// ErrLocked is returned when the file backend's lock directory is already
// held by another writer.
var ErrLocked = errors.New("data file locked by another writer")
