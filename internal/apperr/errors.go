// Package apperr holds sentinel errors shared by the store, service and transport layers.
package apperr

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrConflict      = errors.New("conflict")

	// ErrEmptyContent is returned when card text normalizes to nothing.
	ErrEmptyContent = errors.New("card content is empty after normalization")

	// ErrIndexSave is returned once every save attempt has failed.
	ErrIndexSave = errors.New("card index save failed")

	// ErrDocumentDrift is returned when a document no longer holds the text a
	// patch expected to find at a location.
	ErrDocumentDrift = errors.New("document drifted from indexed content")
)
