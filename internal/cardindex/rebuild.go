package cardindex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/starford/cardex/internal/apperr"
	"github.com/starford/cardex/internal/cardblock"
	"github.com/starford/cardex/internal/identity"
	"github.com/starford/cardex/internal/models"
)

// Progress is reported after each document a rebuild processes.
type Progress struct {
	Done  int    `json:"done"`
	Total int    `json:"total"`
	Path  string `json:"path"`
}

// ProgressFunc receives rebuild progress. It runs with the store locked and
// must not call back into the Store.
type ProgressFunc func(Progress)

// RebuildStats summarizes a rebuild.
type RebuildStats struct {
	Documents int `json:"documents"`
	Blocks    int `json:"blocks"`
	Created   int `json:"created"`
	Removed   int `json:"removed"`
	Skipped   int `json:"skipped"`
}

// RebuildFromScratch rescans documents and replaces what the index holds
// for each of them with the card blocks actually found. A nil paths scans
// every document in the store and also forgets documents that no longer
// exist. Cancellation is checked between documents; work done so far is
// saved and the context error returned.
func (s *Store) RebuildFromScratch(ctx context.Context, paths []string, progress ProgressFunc) (RebuildStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats RebuildStats
	full := paths == nil
	if full {
		var err error
		if paths, err = s.docs.ListDocuments(ctx); err != nil {
			return stats, fmt.Errorf("cardindex: rebuild: %w", err)
		}
	}

	idx := s.load(ctx)
	seen := make(map[string]struct{}, len(paths))
	for i, p := range paths {
		if err := ctx.Err(); err != nil {
			s.logger.Warn("cardindex: rebuild canceled",
				slog.Int("done", i), slog.Int("total", len(paths)))
			saveErr := s.save(context.WithoutCancel(ctx), idx)
			return stats, errors.Join(fmt.Errorf("cardindex: rebuild canceled: %w", err), saveErr)
		}
		seen[p] = struct{}{}

		text, err := s.docs.ReadDocument(ctx, p)
		switch {
		case errors.Is(err, apperr.ErrNotFound):
			text = ""
		case err != nil:
			s.logger.Warn("cardindex: rebuild read failed",
				slog.String("path", p), slog.String("error", err.Error()))
			stats.Skipped++
			continue
		}
		s.replaceDocument(idx, p, cardblock.Scan(text), &stats)
		stats.Documents++
		if progress != nil {
			progress(Progress{Done: i + 1, Total: len(paths), Path: p})
		}
	}

	if full {
		for _, cid := range sortedIDs(idx) {
			rec := idx[cid]
			kept := rec.Locations[:0:0]
			for _, l := range rec.Locations {
				if _, ok := seen[l.Path]; ok {
					kept = append(kept, l)
				}
			}
			if len(kept) == 0 {
				delete(idx, cid)
				stats.Removed++
				continue
			}
			rec.Locations = kept
		}
	}

	if err := s.save(ctx, idx); err != nil {
		return stats, err
	}
	s.logger.Info("cardindex: rebuilt",
		slog.Int("documents", stats.Documents),
		slog.Int("blocks", stats.Blocks),
		slog.Int("cards", len(idx)))
	return stats, nil
}

func (s *Store) replaceDocument(idx models.CardIndex, path string, blocks []cardblock.Block, stats *RebuildStats) {
	found := make(map[string][]models.CardLocation)
	contents := make(map[string]string)
	for _, b := range blocks {
		cid, err := identity.CID(b.Raw)
		if err != nil {
			continue
		}
		found[cid] = append(found[cid], b.Location(path))
		if _, ok := contents[cid]; !ok {
			contents[cid] = b.Raw
		}
	}
	stats.Blocks += len(blocks)
	now := s.now()

	for cid, rec := range idx {
		if _, ok := found[cid]; ok {
			continue
		}
		ls := withoutPath(rec.Locations, path)
		if len(ls) == len(rec.Locations) {
			continue
		}
		if len(ls) == 0 {
			delete(idx, cid)
			stats.Removed++
			continue
		}
		rec.Locations = ls
		rec.LastUpdated = now
	}

	for cid, locs := range found {
		rec, ok := idx[cid]
		if !ok {
			rec = &models.CardRecord{CID: cid, Content: contents[cid], Locations: []models.CardLocation{}}
			idx[cid] = rec
			stats.Created++
		}
		ls := union(withoutPath(rec.Locations, path), locs)
		if !ok || !sameLocations(ls, rec.Locations) {
			rec.Locations = ls
			rec.LastUpdated = now
		}
	}
}
