package cardindex

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/starford/cardex/internal/cardblock"
	"github.com/starford/cardex/internal/identity"
	"github.com/starford/cardex/internal/models"
)

// Outcome says what Reconcile did with an observation.
type Outcome string

const (
	OutcomeCreated  Outcome = "created"
	OutcomeUpdated  Outcome = "updated"
	OutcomeMerged   Outcome = "merged"
	OutcomeMigrated Outcome = "migrated"
	OutcomeRejected Outcome = "rejected"
	OutcomeAborted  Outcome = "aborted"
	OutcomeSkipped  Outcome = "skipped"
)

// Result is the effective identity of a reconciled card block.
type Result struct {
	CID      string  `json:"cid"`
	Previous string  `json:"previous,omitempty"`
	Outcome  Outcome `json:"outcome"`
}

// Changed reports whether the card now lives under a different identity.
func (r Result) Changed() bool {
	return r.Previous != "" && r.Previous != r.CID
}

// Reconcile records that content was observed at loc and was previously
// known as cid. An empty cid marks a first observation.
//
// When content still hashes to cid (or cid is empty) the location is added
// to that record. Otherwise the card was edited: if another record already
// holds content the two are merged, else the record moves to the new
// identity and every other copy of the card is rewritten to match. A
// location cid does not own is rejected. A rewrite that cannot be applied
// to every document aborts the whole operation and leaves cid in place.
func (s *Store) Reconcile(ctx context.Context, cid, content string, loc models.CardLocation) (Result, error) {
	newCID, err := identity.CID(content)
	if err != nil {
		return Result{CID: cid, Previous: cid, Outcome: OutcomeRejected}, fmt.Errorf("cardindex: reconcile: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.load(ctx)

	if cid == "" || cid == newCID {
		return s.observe(ctx, idx, newCID, content, loc)
	}

	old, ok := idx[cid]
	if !ok || !loc.Valid() || !claims(old.Locations, loc) {
		s.logger.Warn("cardindex: location not owned by card",
			slog.String("cid", cid),
			slog.String("path", loc.Path),
			slog.Int("start", loc.StartLine),
			slog.Int("end", loc.EndLine))
		return Result{CID: cid, Previous: cid, Outcome: OutcomeRejected}, nil
	}

	if target := findByContent(idx, content); target != "" && target != cid {
		return s.merge(ctx, idx, cid, target, loc)
	}
	return s.migrate(ctx, idx, cid, newCID, content, loc)
}

func (s *Store) observe(ctx context.Context, idx models.CardIndex, cid, content string, loc models.CardLocation) (Result, error) {
	res := Result{CID: cid, Outcome: OutcomeUpdated}
	rec, ok := idx[cid]
	if !ok {
		if !loc.Valid() {
			return Result{CID: cid, Outcome: OutcomeSkipped}, nil
		}
		rec = &models.CardRecord{CID: cid}
		idx[cid] = rec
		res.Outcome = OutcomeCreated
	}
	rec.Content = content
	if loc.Valid() {
		// The block's current position supersedes whatever was recorded
		// for this document.
		rec.Locations = union(withoutPath(rec.Locations, loc.Path), []models.CardLocation{loc})
		release(idx, cid, loc)
	}
	rec.LastUpdated = s.now()

	if err := s.save(ctx, idx); err != nil {
		return res, err
	}
	return res, nil
}

func (s *Store) merge(ctx context.Context, idx models.CardIndex, from, into string, loc models.CardLocation) (Result, error) {
	aborted := Result{CID: from, Previous: from, Outcome: OutcomeAborted}

	edits := map[string][]cardblock.Edit{
		loc.Path: {{Loc: loc, OldCID: from, NewCID: into}},
	}
	_, rollback, err := s.patch(ctx, edits, loc.Path)
	if err != nil {
		s.logger.Error("cardindex: merge aborted",
			slog.String("from", from),
			slog.String("into", into),
			slog.String("error", err.Error()))
		return aborted, nil
	}

	src, dst := idx[from], idx[into]
	dst.Locations = union(dst.Locations, withoutPath(src.Locations, loc.Path), []models.CardLocation{loc})
	dst.LastUpdated = s.now()
	delete(idx, from)
	release(idx, into, loc)

	if err := s.save(ctx, idx); err != nil {
		rollback()
		return aborted, err
	}
	s.logger.Info("cardindex: merged",
		slog.String("from", from), slog.String("into", into), slog.String("path", loc.Path))
	return Result{CID: into, Previous: from, Outcome: OutcomeMerged}, nil
}

func (s *Store) migrate(ctx context.Context, idx models.CardIndex, from, to, content string, loc models.CardLocation) (Result, error) {
	aborted := Result{CID: from, Previous: from, Outcome: OutcomeAborted}
	old := idx[from]

	// Records written under an older hashing scheme are verified against
	// what their content hashes to now.
	expect := from
	if cid, err := identity.CID(old.Content); err == nil {
		expect = cid
	}

	others := withoutPath(old.Locations, loc.Path)
	edits := make(map[string][]cardblock.Edit)
	for _, l := range others {
		edits[l.Path] = append(edits[l.Path], cardblock.Edit{
			Loc: l, OldCID: from, NewCID: to, Expect: expect, Content: content,
		})
	}
	edits[loc.Path] = append(edits[loc.Path], cardblock.Edit{Loc: loc, OldCID: from, NewCID: to})

	moved, rollback, err := s.patch(ctx, edits, loc.Path)
	if err != nil {
		s.logger.Error("cardindex: migration aborted",
			slog.String("from", from),
			slog.String("to", to),
			slog.String("error", err.Error()))
		return aborted, nil
	}

	locs := []models.CardLocation{loc}
	for path, ls := range moved {
		if path != loc.Path {
			locs = append(locs, ls...)
		}
	}
	delete(idx, from)
	idx[to] = &models.CardRecord{
		CID:         to,
		Content:     content,
		Locations:   union(locs),
		LastUpdated: s.now(),
	}
	release(idx, to, loc)

	if err := s.save(ctx, idx); err != nil {
		rollback()
		return aborted, err
	}
	s.logger.Info("cardindex: migrated",
		slog.String("from", from),
		slog.String("to", to),
		slog.Int("propagated", len(others)))
	return Result{CID: to, Previous: from, Outcome: OutcomeMigrated}, nil
}

// patch applies edits to every document they name. All documents are
// patched in memory and verified before the first write, and a failed
// write restores the documents already written. Edits for optional are
// dropped when that document does not exist.
//
// On success it returns the new location of every edited block keyed by
// path, in edit order, and a func that restores the original documents.
func (s *Store) patch(ctx context.Context, edits map[string][]cardblock.Edit, optional string) (map[string][]models.CardLocation, func(), error) {
	paths := make([]string, 0, len(edits))
	for p := range edits {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	type change struct {
		path, before, after string
	}
	var changes []change
	moved := make(map[string][]models.CardLocation, len(edits))

	for _, p := range paths {
		if p == optional {
			ok, err := s.docs.DocumentExists(ctx, p)
			if err != nil {
				return nil, nil, err
			}
			if !ok {
				for _, e := range edits[p] {
					moved[p] = append(moved[p], e.Loc)
				}
				continue
			}
		}
		before, err := s.docs.ReadDocument(ctx, p)
		if err != nil {
			return nil, nil, err
		}
		after, locs, err := cardblock.Apply(before, edits[p])
		if err != nil {
			return nil, nil, err
		}
		moved[p] = locs
		if after != before {
			changes = append(changes, change{path: p, before: before, after: after})
		}
	}

	restore := func(done []change) {
		rctx := context.WithoutCancel(ctx)
		for _, c := range done {
			if err := s.docs.WriteDocument(rctx, c.path, c.before); err != nil {
				s.logger.Error("cardindex: restore failed",
					slog.String("path", c.path), slog.String("error", err.Error()))
			}
		}
	}

	for i, c := range changes {
		if err := s.docs.WriteDocument(ctx, c.path, c.after); err != nil {
			restore(changes[:i])
			return nil, nil, fmt.Errorf("cardindex: write %s: %w", c.path, err)
		}
	}
	return moved, func() { restore(changes) }, nil
}
