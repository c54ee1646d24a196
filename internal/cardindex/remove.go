package cardindex

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/starford/cardex/internal/models"
)

// Removal summarizes the records touched by a location removal.
type Removal struct {
	// Locations is the number of location entries dropped.
	Locations int `json:"locations"`
	// Deleted lists records destroyed because they had no location left.
	Deleted []string `json:"deleted,omitempty"`
}

// RemoveLocation drops the exact location from every record. The index is
// saved even when nothing matched.
func (s *Store) RemoveLocation(ctx context.Context, loc models.CardLocation) (Removal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.load(ctx)
	var res Removal
	for _, cid := range sortedIDs(idx) {
		rec := idx[cid]
		ls, changed := removeExact(rec.Locations, loc)
		if !changed {
			continue
		}
		res.Locations++
		rec.Locations = ls
		if len(ls) == 0 {
			delete(idx, cid)
			res.Deleted = append(res.Deleted, cid)
		}
	}
	if err := s.save(ctx, idx); err != nil {
		return res, fmt.Errorf("cardindex: remove location: %w", err)
	}
	return res, nil
}

// RemoveAllLocationsForPath forgets every location in the document at path,
// typically because it was deleted or renamed.
func (s *Store) RemoveAllLocationsForPath(ctx context.Context, path string) (Removal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.load(ctx)
	var res Removal
	for _, cid := range sortedIDs(idx) {
		rec := idx[cid]
		ls := withoutPath(rec.Locations, path)
		if len(ls) == len(rec.Locations) {
			continue
		}
		res.Locations += len(rec.Locations) - len(ls)
		rec.Locations = ls
		if len(ls) == 0 {
			delete(idx, cid)
			res.Deleted = append(res.Deleted, cid)
		}
	}
	if err := s.save(ctx, idx); err != nil {
		s.logger.Error("cardindex: remove path failed",
			slog.String("path", path), slog.String("error", err.Error()))
		return res, fmt.Errorf("cardindex: remove path %s: %w", path, err)
	}
	s.logger.Info("cardindex: removed path",
		slog.String("path", path),
		slog.Int("locations", res.Locations),
		slog.Int("deleted", len(res.Deleted)))
	return res, nil
}
