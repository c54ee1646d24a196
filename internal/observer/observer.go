// Package observer keeps the card index in step with documents as they
// change: it reconciles every card block of a document against the index
// and forgets locations that disappeared.
package observer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/starford/cardex/internal/apperr"
	"github.com/starford/cardex/internal/cardblock"
	"github.com/starford/cardex/internal/cardindex"
	"github.com/starford/cardex/internal/identity"
	"github.com/starford/cardex/internal/models"
	"github.com/starford/cardex/internal/storage"
)

// Index is the part of the card index store the observer drives.
type Index interface {
	Reconcile(ctx context.Context, cid, content string, loc models.CardLocation) (cardindex.Result, error)
	GetAllRecords(ctx context.Context) models.CardIndex
	RemoveLocation(ctx context.Context, loc models.CardLocation) (cardindex.Removal, error)
	RemoveAllLocationsForPath(ctx context.Context, path string) (cardindex.Removal, error)
}

// Change is what observing one document did to the index.
type Change struct {
	Path    string
	Results []cardindex.Result
	Removed cardindex.Removal
	// Deleted is set when the document no longer exists.
	Deleted bool
}

// Callback receives every change the watcher makes.
type Callback func(Change)

// Observer reconciles documents against the index.
type Observer struct {
	index  Index
	docs   storage.Provider
	logger *slog.Logger
}

// New returns an Observer.
func New(index Index, docs storage.Provider, logger *slog.Logger) *Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Observer{index: index, docs: docs, logger: logger}
}

// ObservePath reads the document at path and applies it. A document that
// no longer exists is forgotten.
func (o *Observer) ObservePath(ctx context.Context, path string) (Change, error) {
	text, err := o.docs.ReadDocument(ctx, path)
	if errors.Is(err, apperr.ErrNotFound) {
		return o.ForgetDocument(ctx, path)
	}
	if err != nil {
		return Change{Path: path}, fmt.Errorf("observer: read %s: %w", path, err)
	}
	return o.ApplyDocument(ctx, path, text)
}

// ForgetDocument drops every location recorded for path.
func (o *Observer) ForgetDocument(ctx context.Context, path string) (Change, error) {
	rm, err := o.index.RemoveAllLocationsForPath(ctx, path)
	ch := Change{Path: path, Removed: rm, Deleted: true}
	if err != nil {
		return ch, fmt.Errorf("observer: forget %s: %w", path, err)
	}
	return ch, nil
}

// ApplyDocument reconciles every card block in text, which is the current
// content of path, then removes locations in path that were not observed.
//
// The identity a block was previously known by is, in order: the marker on
// its identifier line when that card is known in this document, the card
// its own content already names here, the card recorded at exactly its
// lines, a card recorded at overlapping lines, or none.
func (o *Observer) ApplyDocument(ctx context.Context, path, text string) (Change, error) {
	ch := Change{Path: path}
	blocks := cardblock.Scan(text)
	snapshot := o.index.GetAllRecords(ctx)
	recorded := placementsAt(snapshot, path)

	var errs []error
	used := make(map[string]struct{})
	observed := make(map[models.CardLocation]struct{}, len(blocks))
	for _, b := range blocks {
		loc := b.Location(path)
		prior := priorIdentity(snapshot, recorded, used, b, loc)
		res, err := o.index.Reconcile(ctx, prior, b.Raw, loc)
		if err != nil {
			o.logger.Warn("observer: reconcile failed",
				slog.String("path", path),
				slog.Int("start", loc.StartLine),
				slog.String("error", err.Error()))
			errs = append(errs, err)
			continue
		}
		observed[loc] = struct{}{}
		used[res.CID] = struct{}{}
		if prior != "" {
			used[prior] = struct{}{}
		}
		ch.Results = append(ch.Results, res)
	}

	for _, p := range placementsAt(o.index.GetAllRecords(ctx), path) {
		if _, ok := observed[p.loc]; ok {
			continue
		}
		rm, err := o.index.RemoveLocation(ctx, p.loc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ch.Removed.Locations += rm.Locations
		ch.Removed.Deleted = append(ch.Removed.Deleted, rm.Deleted...)
	}

	o.logger.Debug("observer: applied",
		slog.String("path", path),
		slog.Int("blocks", len(blocks)),
		slog.Int("removed", ch.Removed.Locations))
	if err := errors.Join(errs...); err != nil {
		return ch, fmt.Errorf("observer: apply %s: %w", path, err)
	}
	return ch, nil
}

type placement struct {
	cid string
	loc models.CardLocation
}

func placementsAt(idx models.CardIndex, path string) []placement {
	var out []placement
	for cid, rec := range idx {
		for _, l := range rec.Locations {
			if l.Path == path {
				out = append(out, placement{cid: cid, loc: l})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].loc.StartLine != out[j].loc.StartLine {
			return out[i].loc.StartLine < out[j].loc.StartLine
		}
		return out[i].cid < out[j].cid
	})
	return out
}

func priorIdentity(idx models.CardIndex, recorded []placement, used map[string]struct{}, b cardblock.Block, loc models.CardLocation) string {
	knownHere := func(cid string) bool {
		for _, p := range recorded {
			if p.cid == cid {
				return true
			}
		}
		return false
	}

	if b.MarkerCID != "" {
		if _, ok := idx[b.MarkerCID]; ok && knownHere(b.MarkerCID) {
			return b.MarkerCID
		}
	}
	if cid, err := identity.CID(b.Raw); err == nil && knownHere(cid) {
		return cid
	}
	for _, p := range recorded {
		if p.loc == loc {
			return p.cid
		}
	}
	for _, p := range recorded {
		if _, taken := used[p.cid]; taken {
			continue
		}
		if p.loc.Overlaps(loc) {
			return p.cid
		}
	}
	return ""
}
