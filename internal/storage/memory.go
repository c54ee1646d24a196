package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/starford/cardex/internal/apperr"
)

// Memory is an in-process Provider. Tests use WriteHook to inject write
// failures for chosen paths.
type Memory struct {
	mu   sync.Mutex
	docs map[string]string

	// WriteHook, when set, runs before every write; a non-nil error fails
	// the write without changing the document.
	WriteHook func(path string) error

	writes map[string]int
}

// NewMemory returns a Memory seeded with docs (path → text).
func NewMemory(docs map[string]string) *Memory {
	m := &Memory{docs: make(map[string]string, len(docs)), writes: make(map[string]int)}
	for p, t := range docs {
		m.docs[p] = t
	}
	return m
}

func (m *Memory) ReadDocument(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	text, ok := m.docs[path]
	if !ok {
		return "", fmt.Errorf("storage: read %s: %w", path, apperr.ErrNotFound)
	}
	return text, nil
}

func (m *Memory) WriteDocument(ctx context.Context, path, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	hook := m.WriteHook
	m.mu.Unlock()
	if hook != nil {
		if err := hook(path); err != nil {
			return fmt.Errorf("storage: write %s: %w", path, err)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[path] = text
	m.writes[path]++
	return nil
}

func (m *Memory) ListDocuments(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.docs))
	for p := range m.docs {
		if IsMarkdown(p) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) DocumentExists(_ context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.docs[path]
	return ok, nil
}

func (m *Memory) CreateDocument(ctx context.Context, path, text string) error {
	if ok, _ := m.DocumentExists(ctx, path); ok {
		return fmt.Errorf("storage: create %s: %w", path, apperr.ErrAlreadyExists)
	}
	return m.WriteDocument(ctx, path, text)
}

// Delete drops a document.
func (m *Memory) Delete(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, path)
}

// Writes returns how many successful writes path has received.
func (m *Memory) Writes(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes[path]
}

// SetWriteHook replaces WriteHook under the store lock.
func (m *Memory) SetWriteHook(hook func(path string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WriteHook = hook
}

var _ Provider = (*Memory)(nil)
