// Package storage defines the document store the card index is layered on.
package storage

import "context"

// Provider is the whole-document store holding notes and the persisted index.
// Paths are slash-separated and relative to the store root.
type Provider interface {
	// ReadDocument returns the full text of the document at path.
	ReadDocument(ctx context.Context, path string) (string, error)
	// WriteDocument replaces the document at path, creating it if needed.
	WriteDocument(ctx context.Context, path, text string) error
	// ListDocuments returns the path of every Markdown document.
	ListDocuments(ctx context.Context) ([]string, error)
	// DocumentExists reports whether a document exists at path.
	DocumentExists(ctx context.Context, path string) (bool, error)
	// CreateDocument creates a new document and fails with
	// apperr.ErrAlreadyExists when path is taken.
	CreateDocument(ctx context.Context, path, text string) error
}

// IsMarkdown reports whether path names a Markdown document.
func IsMarkdown(path string) bool {
	n := len(path)
	return n > 3 && path[n-3:] == ".md"
}
