// Package cardindex is the persistent index from content identity to the
// places a card block was last observed. Every mutating operation is a
// serialized load, mutate, save cycle against the backing document store.
package cardindex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/starford/cardex/internal/apperr"
	"github.com/starford/cardex/internal/identity"
	"github.com/starford/cardex/internal/models"
	"github.com/starford/cardex/internal/storage"
)

// DefaultIndexPath is where the index lives relative to the store root.
const DefaultIndexPath = "card-index.json"

// Store owns the persisted card index.
type Store struct {
	docs      storage.Provider
	indexPath string
	logger    *slog.Logger
	attempts  int
	backoff   time.Duration
	now       func() time.Time

	// mu serializes load-mutate-save cycles.
	mu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithIndexPath overrides DefaultIndexPath.
func WithIndexPath(path string) Option {
	return func(s *Store) {
		if path != "" {
			s.indexPath = path
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRetry sets how many times a save is attempted and the delay before
// the second attempt. The delay doubles after every further failure.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(s *Store) {
		if attempts > 0 {
			s.attempts = attempts
		}
		if backoff >= 0 {
			s.backoff = backoff
		}
	}
}

// WithClock replaces time.Now for lastUpdated stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns a Store backed by docs.
func New(docs storage.Provider, opts ...Option) *Store {
	s := &Store{
		docs:      docs,
		indexPath: DefaultIndexPath,
		logger:    slog.Default(),
		attempts:  3,
		backoff:   200 * time.Millisecond,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// IndexPath returns the document path of the persisted index.
func (s *Store) IndexPath() string { return s.indexPath }

// Load reads the persisted index. A missing index is empty; an unreadable
// one is backed up next to the original and replaced by an empty index.
func (s *Store) Load(ctx context.Context) models.CardIndex {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx)
}

// Save persists idx, overwriting any previous version.
func (s *Store) Save(ctx context.Context, idx models.CardIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(ctx, idx)
}

// GetRecord returns a copy of the record for cid.
func (s *Store) GetRecord(ctx context.Context, cid string) (*models.CardRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.load(ctx)[cid]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// GetAllRecords returns a copy of the whole index.
func (s *Store) GetAllRecords(ctx context.Context) models.CardIndex {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.load(ctx)
	out := make(models.CardIndex, len(idx))
	for cid, rec := range idx {
		out[cid] = rec.Clone()
	}
	return out
}

// FindIdentityByContent returns the CID of the record whose content is
// content, trying the content's own identity before an exact text match.
func (s *Store) FindIdentityByContent(ctx context.Context, content string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cid := findByContent(s.load(ctx), content)
	return cid, cid != ""
}

func findByContent(idx models.CardIndex, content string) string {
	if cid, err := identity.CID(content); err == nil {
		if _, ok := idx[cid]; ok {
			return cid
		}
	}
	for _, cid := range sortedIDs(idx) {
		if idx[cid].Content == content {
			return cid
		}
	}
	return ""
}

func (s *Store) load(ctx context.Context) models.CardIndex {
	text, err := s.docs.ReadDocument(ctx, s.indexPath)
	if err != nil {
		if !errors.Is(err, apperr.ErrNotFound) {
			s.logger.Warn("cardindex: read failed, starting empty",
				slog.String("path", s.indexPath), slog.String("error", err.Error()))
		}
		return models.CardIndex{}
	}
	idx, err := decodeIndex([]byte(text))
	if err != nil {
		backup := s.indexPath + ".corrupt"
		s.logger.Error("cardindex: index unreadable, starting empty",
			slog.String("path", s.indexPath),
			slog.String("backup", backup),
			slog.String("error", err.Error()))
		if werr := s.docs.WriteDocument(ctx, backup, text); werr != nil {
			s.logger.Warn("cardindex: backup failed",
				slog.String("path", backup), slog.String("error", werr.Error()))
		}
		return models.CardIndex{}
	}
	return idx
}

func (s *Store) save(ctx context.Context, idx models.CardIndex) error {
	data, err := encodeIndex(idx)
	if err != nil {
		return fmt.Errorf("cardindex: encode: %w", err)
	}

	var lastErr error
	wait := s.backoff
	for attempt := 1; attempt <= s.attempts; attempt++ {
		if lastErr = s.write(ctx, string(data)); lastErr == nil {
			s.logger.Debug("cardindex: saved",
				slog.String("path", s.indexPath), slog.Int("cards", len(idx)))
			return nil
		}
		s.logger.Warn("cardindex: save failed",
			slog.String("path", s.indexPath),
			slog.Int("attempt", attempt),
			slog.Int("attempts", s.attempts),
			slog.String("error", lastErr.Error()))
		if attempt == s.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("cardindex: save %s: %w: %w", s.indexPath, apperr.ErrIndexSave, ctx.Err())
		case <-time.After(wait):
		}
		wait *= 2
	}
	return fmt.Errorf("cardindex: save %s: %w: %w", s.indexPath, apperr.ErrIndexSave, lastErr)
}

func (s *Store) write(ctx context.Context, text string) error {
	ok, err := s.docs.DocumentExists(ctx, s.indexPath)
	if err != nil {
		return err
	}
	if ok {
		return s.docs.WriteDocument(ctx, s.indexPath, text)
	}
	err = s.docs.CreateDocument(ctx, s.indexPath, text)
	if errors.Is(err, apperr.ErrAlreadyExists) {
		return s.docs.WriteDocument(ctx, s.indexPath, text)
	}
	return err
}

func sortedIDs(idx models.CardIndex) []string {
	ids := make([]string, 0, len(idx))
	for cid := range idx {
		ids = append(ids, cid)
	}
	sort.Strings(ids)
	return ids
}
