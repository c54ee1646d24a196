package cardindex

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/starford/cardex/internal/apperr"
	"github.com/starford/cardex/internal/cardblock"
	"github.com/starford/cardex/internal/identity"
	"github.com/starford/cardex/internal/models"
	"github.com/starford/cardex/internal/storage"
)

var testNow = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

func newTestStore(t *testing.T, docs map[string]string, opts ...Option) (*Store, *storage.Memory) {
	t.Helper()
	mem := storage.NewMemory(docs)
	base := []Option{
		WithRetry(3, 0),
		WithClock(func() time.Time { return testNow }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	return New(mem, append(base, opts...)...), mem
}

func mustCID(t *testing.T, content string) string {
	t.Helper()
	cid, err := identity.CID(content)
	if err != nil {
		t.Fatalf("CID(%q): %v", content, err)
	}
	return cid
}

func loc(path string, start, end int) models.CardLocation {
	return models.CardLocation{Path: path, StartLine: start, EndLine: end}
}

func seed(t *testing.T, s *Store, recs ...*models.CardRecord) {
	t.Helper()
	idx := models.CardIndex{}
	for _, r := range recs {
		idx[r.CID] = r
	}
	if err := s.Save(context.Background(), idx); err != nil {
		t.Fatalf("Save: %v", err)
	}
}

func mustRecord(t *testing.T, s *Store, cid string) *models.CardRecord {
	t.Helper()
	rec, ok := s.GetRecord(context.Background(), cid)
	if !ok {
		t.Fatalf("record %s missing", cid)
	}
	return rec
}

func TestReconcile_FirstObservation(t *testing.T) {
	s, _ := newTestStore(t, nil)
	content := "Title: A\nYear: 2020"
	l := loc("notes/a.md", 0, 2)

	res, err := s.Reconcile(context.Background(), "", content, l)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	want := Result{CID: "CID-9mOLwJzDby9", Outcome: OutcomeCreated}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}

	got := mustRecord(t, s, res.CID)
	wantRec := &models.CardRecord{
		CID:         res.CID,
		Content:     content,
		Locations:   []models.CardLocation{l},
		LastUpdated: testNow,
	}
	if diff := cmp.Diff(wantRec, got); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}
}

func TestReconcile_SameIdentityIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ctx := context.Background()
	content := "```book-card\ntitle: Dune\n```"
	l := loc("a.md", 0, 2)

	first, _ := s.Reconcile(ctx, "", content, l)
	second, err := s.Reconcile(ctx, first.CID, content, l)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if second.Outcome != OutcomeUpdated || second.CID != first.CID {
		t.Errorf("second = %+v", second)
	}
	if got := mustRecord(t, s, first.CID).Locations; len(got) != 1 {
		t.Errorf("locations = %+v, want one", got)
	}
}

func TestReconcile_SupersedesStaleLocationInSameDocument(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ctx := context.Background()
	content := "```book-card\ntitle: Dune\n```"

	res, _ := s.Reconcile(ctx, "", content, loc("a.md", 0, 2))
	_, _ = s.Reconcile(ctx, "", content, loc("b.md", 4, 6))
	_, _ = s.Reconcile(ctx, res.CID, content, loc("a.md", 5, 7))

	want := []models.CardLocation{loc("a.md", 5, 7), loc("b.md", 4, 6)}
	if diff := cmp.Diff(want, mustRecord(t, s, res.CID).Locations); diff != "" {
		t.Errorf("locations mismatch (-want +got):\n%s", diff)
	}
}

func TestReconcile_ReleasesLocationHeldByAnotherCard(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ctx := context.Background()
	l := loc("a.md", 0, 2)

	x, _ := s.Reconcile(ctx, "", "```book-card\ntitle: X\n```", l)
	y, _ := s.Reconcile(ctx, "", "```book-card\ntitle: Y\n```", l)

	if _, ok := s.GetRecord(ctx, x.CID); ok {
		t.Errorf("record %s should be gone once its only location was taken", x.CID)
	}
	if got := mustRecord(t, s, y.CID).Locations; len(got) != 1 || got[0] != l {
		t.Errorf("locations = %+v", got)
	}
}

func TestReconcile_EditedCardMigrates(t *testing.T) {
	s, mem := newTestStore(t, map[string]string{"notes/a.md": "Title: A\nYear: 2021\n"})
	ctx := context.Background()
	l := loc("notes/a.md", 0, 2)

	first, err := s.Reconcile(ctx, "", "Title: A\nYear: 2020", l)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	res, err := s.Reconcile(ctx, first.CID, "Title: A\nYear: 2021", l)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	cid2 := mustCID(t, "Title: A\nYear: 2021")
	want := Result{CID: cid2, Previous: first.CID, Outcome: OutcomeMigrated}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
	if !res.Changed() {
		t.Error("Changed() = false after migration")
	}
	if _, ok := s.GetRecord(ctx, first.CID); ok {
		t.Errorf("old record %s still present", first.CID)
	}
	rec := mustRecord(t, s, cid2)
	if rec.Content != "Title: A\nYear: 2021" {
		t.Errorf("content = %q", rec.Content)
	}
	if diff := cmp.Diff([]models.CardLocation{l}, rec.Locations); diff != "" {
		t.Errorf("locations mismatch (-want +got):\n%s", diff)
	}
	if n := mem.Writes("notes/a.md"); n != 0 {
		t.Errorf("document without marker written %d times", n)
	}
}

// twoCopies lays out the same card in a.md (edited) and b.md (stale).
type twoCopies struct {
	oldBlock, newBlock string
	oldCID, newCID     string
	aLoc, bLoc         models.CardLocation
	docs               map[string]string
}

func newTwoCopies(t *testing.T) twoCopies {
	t.Helper()
	c := twoCopies{
		oldBlock: "```book-card\ntitle: Dune\nyear: 1965\n```",
		newBlock: "```book-card\ntitle: Dune\nyear: 1966\n```",
		aLoc:     loc("a.md", 1, 4),
		bLoc:     loc("b.md", 2, 5),
	}
	c.oldCID = mustCID(t, c.oldBlock)
	c.newCID = mustCID(t, c.newBlock)
	c.docs = map[string]string{
		"a.md": cardblock.MarkerText(c.oldCID) + "\n" + c.newBlock + "\n",
		"b.md": "intro\n" + cardblock.MarkerText(c.oldCID) + "\n" + c.oldBlock + "\n",
	}
	return c
}

func (c twoCopies) record() *models.CardRecord {
	return &models.CardRecord{
		CID:         c.oldCID,
		Content:     c.oldBlock,
		Locations:   []models.CardLocation{c.aLoc, c.bLoc},
		LastUpdated: testNow.Add(-time.Hour),
	}
}

func TestReconcile_MigrationPropagatesToOtherCopies(t *testing.T) {
	c := newTwoCopies(t)
	s, mem := newTestStore(t, c.docs)
	seed(t, s, c.record())
	ctx := context.Background()

	res, err := s.Reconcile(ctx, c.oldCID, c.newBlock, c.aLoc)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Outcome != OutcomeMigrated || res.CID != c.newCID {
		t.Fatalf("result = %+v", res)
	}

	b, _ := mem.ReadDocument(ctx, "b.md")
	if want := "intro\n" + cardblock.MarkerText(c.newCID) + "\n" + c.newBlock + "\n"; b != want {
		t.Errorf("b.md = %q, want %q", b, want)
	}
	a, _ := mem.ReadDocument(ctx, "a.md")
	if want := cardblock.MarkerText(c.newCID) + "\n" + c.newBlock + "\n"; a != want {
		t.Errorf("a.md = %q, want %q", a, want)
	}

	rec := mustRecord(t, s, c.newCID)
	if diff := cmp.Diff([]models.CardLocation{c.aLoc, c.bLoc}, rec.Locations); diff != "" {
		t.Errorf("locations mismatch (-want +got):\n%s", diff)
	}
	if _, ok := s.GetRecord(ctx, c.oldCID); ok {
		t.Error("old record still present")
	}
}

func TestReconcile_MigrationAbortsAndRestoresOnWriteFailure(t *testing.T) {
	c := newTwoCopies(t)
	s, mem := newTestStore(t, c.docs)
	seed(t, s, c.record())
	ctx := context.Background()

	mem.SetWriteHook(func(path string) error {
		if path == "b.md" {
			return errors.New("disk full")
		}
		return nil
	})

	res, err := s.Reconcile(ctx, c.oldCID, c.newBlock, c.aLoc)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	want := Result{CID: c.oldCID, Previous: c.oldCID, Outcome: OutcomeAborted}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
	for path, text := range c.docs {
		got, _ := mem.ReadDocument(ctx, path)
		if got != text {
			t.Errorf("%s = %q, want restored %q", path, got, text)
		}
	}
	if diff := cmp.Diff(c.record(), mustRecord(t, s, c.oldCID)); diff != "" {
		t.Errorf("record changed (-want +got):\n%s", diff)
	}
	if _, ok := s.GetRecord(ctx, c.newCID); ok {
		t.Error("new record created by aborted migration")
	}
}

func TestReconcile_MigrationAbortsOnDrift(t *testing.T) {
	c := newTwoCopies(t)
	c.docs["b.md"] = "intro\n" + cardblock.MarkerText(c.oldCID) + "\n```book-card\ntitle: Arrakis\nyear: 1965\n```\n"
	s, mem := newTestStore(t, c.docs)
	seed(t, s, c.record())

	res, err := s.Reconcile(context.Background(), c.oldCID, c.newBlock, c.aLoc)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Outcome != OutcomeAborted {
		t.Errorf("outcome = %s, want aborted", res.Outcome)
	}
	if mem.Writes("a.md")+mem.Writes("b.md") != 0 {
		t.Error("documents written despite drift")
	}
}

func TestReconcile_MigrationRollsBackWhenIndexSaveFails(t *testing.T) {
	c := newTwoCopies(t)
	s, mem := newTestStore(t, c.docs)
	seed(t, s, c.record())
	ctx := context.Background()

	mem.SetWriteHook(func(path string) error {
		if path == DefaultIndexPath {
			return errors.New("read-only")
		}
		return nil
	})

	res, err := s.Reconcile(ctx, c.oldCID, c.newBlock, c.aLoc)
	if !errors.Is(err, apperr.ErrIndexSave) {
		t.Fatalf("err = %v, want ErrIndexSave", err)
	}
	if res.Outcome != OutcomeAborted {
		t.Errorf("outcome = %s", res.Outcome)
	}
	b, _ := mem.ReadDocument(ctx, "b.md")
	if b != c.docs["b.md"] {
		t.Errorf("b.md not restored: %q", b)
	}
}

func TestReconcile_MergesIntoExistingContent(t *testing.T) {
	blockA := "```book-card\ntitle: Dune\n```"
	blockB := "```book-card\ntitle: Emma\n```"
	cidA, cidB := mustCID(t, blockA), mustCID(t, blockB)
	aLoc, bLoc := loc("a.md", 1, 3), loc("b.md", 0, 2)

	s, mem := newTestStore(t, map[string]string{
		"a.md": cardblock.MarkerText(cidA) + "\n" + blockB + "\n",
		"b.md": blockB + "\n",
	})
	seed(t, s,
		&models.CardRecord{CID: cidA, Content: blockA, Locations: []models.CardLocation{aLoc}},
		&models.CardRecord{CID: cidB, Content: blockB, Locations: []models.CardLocation{bLoc}},
	)
	ctx := context.Background()

	res, err := s.Reconcile(ctx, cidA, blockB, aLoc)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	want := Result{CID: cidB, Previous: cidA, Outcome: OutcomeMerged}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
	if _, ok := s.GetRecord(ctx, cidA); ok {
		t.Error("merged record still present")
	}
	rec := mustRecord(t, s, cidB)
	if diff := cmp.Diff([]models.CardLocation{aLoc, bLoc}, rec.Locations); diff != "" {
		t.Errorf("locations mismatch (-want +got):\n%s", diff)
	}
	a, _ := mem.ReadDocument(ctx, "a.md")
	if !strings.HasPrefix(a, cardblock.MarkerText(cidB)) {
		t.Errorf("a.md marker not rewritten: %q", a)
	}
}

func TestReconcile_RejectsLocationNotOwned(t *testing.T) {
	block := "```book-card\ntitle: Dune\n```"
	cid := mustCID(t, block)
	s, mem := newTestStore(t, nil)
	seed(t, s, &models.CardRecord{CID: cid, Content: block, Locations: []models.CardLocation{loc("a.md", 1, 3)}})
	ctx := context.Background()
	saves := mem.Writes(DefaultIndexPath)

	cases := []struct {
		name string
		cid  string
		loc  models.CardLocation
	}{
		{"other document", cid, loc("c.md", 0, 3)},
		{"unknown card", "CID-00000001", loc("a.md", 1, 3)},
		{"empty range", cid, loc("a.md", 2, 2)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := s.Reconcile(ctx, tc.cid, "```book-card\ntitle: Emma\n```", tc.loc)
			if err != nil {
				t.Fatalf("Reconcile: %v", err)
			}
			want := Result{CID: tc.cid, Previous: tc.cid, Outcome: OutcomeRejected}
			if diff := cmp.Diff(want, res); diff != "" {
				t.Errorf("result mismatch (-want +got):\n%s", diff)
			}
		})
	}
	if mem.Writes(DefaultIndexPath) != saves {
		t.Error("rejected reconcile saved the index")
	}
}

func TestReconcile_EmptyContent(t *testing.T) {
	s, _ := newTestStore(t, nil)
	_, err := s.Reconcile(context.Background(), "", " \n\t-- ", loc("a.md", 0, 2))
	if !errors.Is(err, apperr.ErrEmptyContent) {
		t.Fatalf("err = %v, want ErrEmptyContent", err)
	}
}

func TestReconcile_InvalidLocationOnFirstObservation(t *testing.T) {
	s, _ := newTestStore(t, nil)
	res, err := s.Reconcile(context.Background(), "", "Title: A", loc("", 0, 2))
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Outcome != OutcomeSkipped {
		t.Errorf("outcome = %s, want skipped", res.Outcome)
	}
	if len(s.GetAllRecords(context.Background())) != 0 {
		t.Error("record created for invalid location")
	}
}

func TestFindIdentityByContent(t *testing.T) {
	block := "```book-card\ntitle: Dune\n```"
	cid := mustCID(t, block)
	s, _ := newTestStore(t, nil)
	seed(t, s,
		&models.CardRecord{CID: cid, Content: block, Locations: []models.CardLocation{loc("a.md", 0, 2)}},
		&models.CardRecord{CID: "CID-legacy01", Content: "Legacy text", Locations: []models.CardLocation{loc("b.md", 0, 2)}},
	)
	ctx := context.Background()

	cases := []struct {
		content string
		want    string
		ok      bool
	}{
		{block, cid, true},
		{"```book-card\n  title:   DUNE\n```", cid, true},
		{"Legacy text", "CID-legacy01", true},
		{"never seen", "", false},
	}
	for _, tc := range cases {
		got, ok := s.FindIdentityByContent(ctx, tc.content)
		if got != tc.want || ok != tc.ok {
			t.Errorf("FindIdentityByContent(%q) = %q, %v; want %q, %v", tc.content, got, ok, tc.want, tc.ok)
		}
	}
}
