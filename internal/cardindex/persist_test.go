package cardindex

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/starford/cardex/internal/apperr"
	"github.com/starford/cardex/internal/models"
)

func TestSaveLoad_RoundTrip(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ctx := context.Background()
	idx := models.CardIndex{
		"CID-00000001": {
			CID:         "CID-00000001",
			Content:     "```book-card\ntitle: Dune\n```",
			Locations:   []models.CardLocation{loc("b.md", 0, 2), loc("a.md", 4, 6)},
			LastUpdated: testNow,
		},
		"CID-00000002": {
			CID:         "CID-00000002",
			Content:     "```music-card\ntitle: Kind of Blue\n```",
			Locations:   []models.CardLocation{loc("a.md", 9, 11)},
			LastUpdated: testNow.Add(time.Minute),
		},
	}
	if err := s.Save(ctx, idx); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Locations come back sorted.
	idx["CID-00000001"].Locations = []models.CardLocation{loc("a.md", 4, 6), loc("b.md", 0, 2)}
	if diff := cmp.Diff(idx, s.Load(ctx)); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestSave_WritesVersionedDocument(t *testing.T) {
	s, mem := newTestStore(t, nil, WithIndexPath(".cardex/index.json"))
	ctx := context.Background()
	if err := s.Save(ctx, models.CardIndex{}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	text, err := mem.ReadDocument(ctx, ".cardex/index.json")
	if err != nil {
		t.Fatalf("read index: %v", err)
	}
	if !strings.Contains(text, `"version": 1`) {
		t.Errorf("index lacks version: %s", text)
	}
}

func TestLoad_MissingIsEmpty(t *testing.T) {
	s, _ := newTestStore(t, nil)
	if idx := s.Load(context.Background()); len(idx) != 0 {
		t.Errorf("Load = %v, want empty", idx)
	}
}

func TestLoad_CorruptIsBackedUp(t *testing.T) {
	s, mem := newTestStore(t, map[string]string{DefaultIndexPath: "{not json"})
	ctx := context.Background()

	if idx := s.Load(ctx); len(idx) != 0 {
		t.Errorf("Load = %v, want empty", idx)
	}
	backup, err := mem.ReadDocument(ctx, DefaultIndexPath+".corrupt")
	if err != nil {
		t.Fatalf("backup missing: %v", err)
	}
	if backup != "{not json" {
		t.Errorf("backup = %q", backup)
	}
}

func TestLoad_BlankIsEmptyNotCorrupt(t *testing.T) {
	s, mem := newTestStore(t, map[string]string{DefaultIndexPath: " \n\t\n"})
	ctx := context.Background()
	if idx := s.Load(ctx); len(idx) != 0 {
		t.Errorf("Load = %v, want empty", idx)
	}
	if ok, _ := mem.DocumentExists(ctx, DefaultIndexPath+".corrupt"); ok {
		t.Error("blank index should not be backed up")
	}
}

func TestLoad_UnknownVersionIsCorrupt(t *testing.T) {
	s, mem := newTestStore(t, map[string]string{DefaultIndexPath: `{"version": 7, "cards": {}}`})
	ctx := context.Background()
	if idx := s.Load(ctx); len(idx) != 0 {
		t.Errorf("Load = %v, want empty", idx)
	}
	if ok, _ := mem.DocumentExists(ctx, DefaultIndexPath+".corrupt"); !ok {
		t.Error("unsupported version not backed up")
	}
}

func TestLoad_LegacyFlatMap(t *testing.T) {
	legacy := `{
  "CID-00000abc": {
    "content": "Title: A",
    "locations": [
      {"path": "b.md", "startLine": 3, "endLine": 5},
      {"path": "a.md", "startLine": 0, "endLine": 2},
      {"path": "a.md", "startLine": 0, "endLine": 2}
    ],
    "lastUpdated": "2024-05-01T10:00:00Z"
  }
}`
	s, mem := newTestStore(t, map[string]string{DefaultIndexPath: legacy})
	ctx := context.Background()

	want := models.CardIndex{
		"CID-00000abc": {
			CID:         "CID-00000abc",
			Content:     "Title: A",
			Locations:   []models.CardLocation{loc("a.md", 0, 2), loc("b.md", 3, 5)},
			LastUpdated: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		},
	}
	idx := s.Load(ctx)
	if diff := cmp.Diff(want, idx); diff != "" {
		t.Errorf("legacy load mismatch (-want +got):\n%s", diff)
	}

	if err := s.Save(ctx, idx); err != nil {
		t.Fatalf("Save: %v", err)
	}
	text, _ := mem.ReadDocument(ctx, DefaultIndexPath)
	if !strings.Contains(text, `"version": 1`) {
		t.Errorf("legacy index not upgraded on save: %s", text)
	}
}

func TestReconcile_LegacyAccentedCardKeepsIdentity(t *testing.T) {
	const cid = "CID-CKDJOVlZd8t"
	block := "```book-card\ntitle: Café Crème\n```"
	doc := "[[card:" + cid + "]]\n" + block + "\n"
	legacy, err := json.Marshal(map[string]any{
		cid: map[string]any{
			"content":     block,
			"locations":   []models.CardLocation{loc("a.md", 1, 3)},
			"lastUpdated": "2024-05-01T10:00:00Z",
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	s, mem := newTestStore(t, map[string]string{DefaultIndexPath: string(legacy), "a.md": doc})
	ctx := context.Background()

	res, err := s.Reconcile(ctx, cid, block, loc("a.md", 1, 3))
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	want := Result{CID: cid, Outcome: OutcomeUpdated}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
	if mem.Writes("a.md") != 0 {
		t.Error("unchanged card rewrote its document")
	}
	if text, _ := mem.ReadDocument(ctx, "a.md"); text != doc {
		t.Errorf("a.md = %q, want %q", text, doc)
	}
	mustRecord(t, s, cid)
}

func TestSave_RetriesTransientFailure(t *testing.T) {
	s, mem := newTestStore(t, nil)
	failures := 2
	mem.SetWriteHook(func(path string) error {
		if path == DefaultIndexPath && failures > 0 {
			failures--
			return errors.New("busy")
		}
		return nil
	})
	if err := s.Save(context.Background(), models.CardIndex{}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if failures != 0 {
		t.Errorf("failures left = %d", failures)
	}
}

func TestSave_GivesUpAfterAttempts(t *testing.T) {
	s, mem := newTestStore(t, nil, WithRetry(4, time.Millisecond))
	var calls int
	mem.SetWriteHook(func(path string) error {
		calls++
		return errors.New("read-only file system")
	})
	err := s.Save(context.Background(), models.CardIndex{})
	if !errors.Is(err, apperr.ErrIndexSave) {
		t.Fatalf("err = %v, want ErrIndexSave", err)
	}
	if calls != 4 {
		t.Errorf("attempts = %d, want 4", calls)
	}
}

func TestSave_StopsRetryingWhenCanceled(t *testing.T) {
	s, mem := newTestStore(t, nil, WithRetry(5, time.Hour))
	mem.SetWriteHook(func(string) error { return errors.New("busy") })
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	err := s.Save(ctx, models.CardIndex{})
	if !errors.Is(err, apperr.ErrIndexSave) || !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}

func TestRemoveLocation(t *testing.T) {
	s, mem := newTestStore(t, nil)
	ctx := context.Background()
	a, b := loc("a.md", 0, 2), loc("b.md", 4, 6)
	seed(t, s, &models.CardRecord{CID: "CID-00000001", Content: "x", Locations: []models.CardLocation{a, b}})

	res, err := s.RemoveLocation(ctx, a)
	if err != nil {
		t.Fatalf("RemoveLocation: %v", err)
	}
	if diff := cmp.Diff(Removal{Locations: 1}, res); diff != "" {
		t.Errorf("removal mismatch (-want +got):\n%s", diff)
	}
	if got := mustRecord(t, s, "CID-00000001").Locations; len(got) != 1 || got[0] != b {
		t.Errorf("locations = %+v", got)
	}

	res, err = s.RemoveLocation(ctx, b)
	if err != nil {
		t.Fatalf("RemoveLocation: %v", err)
	}
	if diff := cmp.Diff(Removal{Locations: 1, Deleted: []string{"CID-00000001"}}, res); diff != "" {
		t.Errorf("removal mismatch (-want +got):\n%s", diff)
	}
	if _, ok := s.GetRecord(ctx, "CID-00000001"); ok {
		t.Error("record with no locations survived")
	}

	before := mem.Writes(DefaultIndexPath)
	if _, err := s.RemoveLocation(ctx, loc("zzz.md", 0, 1)); err != nil {
		t.Fatalf("RemoveLocation: %v", err)
	}
	if mem.Writes(DefaultIndexPath) != before+1 {
		t.Error("no-op removal did not save")
	}
}

func TestRemoveAllLocationsForPath(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ctx := context.Background()
	seed(t, s,
		&models.CardRecord{CID: "CID-00000001", Content: "x", Locations: []models.CardLocation{loc("a.md", 0, 2), loc("a.md", 5, 7)}},
		&models.CardRecord{CID: "CID-00000002", Content: "y", Locations: []models.CardLocation{loc("a.md", 9, 11), loc("b.md", 0, 2)}},
	)

	res, err := s.RemoveAllLocationsForPath(ctx, "a.md")
	if err != nil {
		t.Fatalf("RemoveAllLocationsForPath: %v", err)
	}
	if diff := cmp.Diff(Removal{Locations: 3, Deleted: []string{"CID-00000001"}}, res); diff != "" {
		t.Errorf("removal mismatch (-want +got):\n%s", diff)
	}
	want := []models.CardLocation{loc("b.md", 0, 2)}
	if diff := cmp.Diff(want, mustRecord(t, s, "CID-00000002").Locations); diff != "" {
		t.Errorf("locations mismatch (-want +got):\n%s", diff)
	}
}

func TestRemoveAllLocationsForPath_PropagatesSaveError(t *testing.T) {
	s, mem := newTestStore(t, nil)
	mem.SetWriteHook(func(string) error { return errors.New("read-only") })
	_, err := s.RemoveAllLocationsForPath(context.Background(), "a.md")
	if !errors.Is(err, apperr.ErrIndexSave) {
		t.Fatalf("err = %v, want ErrIndexSave", err)
	}
}

func TestGetAllRecords_ReturnsCopies(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ctx := context.Background()
	seed(t, s, &models.CardRecord{CID: "CID-00000001", Content: "x", Locations: []models.CardLocation{loc("a.md", 0, 2)}})

	all := s.GetAllRecords(ctx)
	all["CID-00000001"].Locations[0].Path = "mutated.md"
	delete(all, "CID-00000001")

	if got := mustRecord(t, s, "CID-00000001").Locations[0].Path; got != "a.md" {
		t.Errorf("store mutated through copy: %s", got)
	}
}

func TestReconcile_ConcurrentCallsKeepEveryRecord(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ctx := context.Background()

	const n = 24
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			content := "```book-card\ntitle: Book " + string(rune('A'+i)) + "\n```"
			path := string(rune('a'+i)) + ".md"
			if _, err := s.Reconcile(ctx, "", content, loc(path, 0, 2)); err != nil {
				t.Errorf("Reconcile: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if got := len(s.GetAllRecords(ctx)); got != n {
		t.Errorf("records = %d, want %d", got, n)
	}
}
