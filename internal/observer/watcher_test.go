package observer

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/starford/cardex/internal/cardindex"
	"github.com/starford/cardex/internal/testutil"
)

type watcherEnv struct {
	dir string
	idx *cardindex.Store
	obs *Observer
}

func newWatcherEnv(t *testing.T) watcherEnv {
	t.Helper()
	dir, fs := testutil.TestVault(t)
	idx := cardindex.New(fs, cardindex.WithLogger(testutil.Logger()), cardindex.WithRetry(2, time.Millisecond))
	return watcherEnv{dir: dir, idx: idx, obs: New(idx, fs, testutil.Logger())}
}

func (e watcherEnv) start(t *testing.T, cb Callback) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.obs.Watch(ctx, e.dir, 50*time.Millisecond, cb)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	time.Sleep(100 * time.Millisecond)
}

// indexedAt reports whether any record has a location in path.
func (e watcherEnv) indexedAt(path string) bool {
	for _, rec := range e.idx.GetAllRecords(context.Background()) {
		for _, l := range rec.Locations {
			if l.Path == path {
				return true
			}
		}
	}
	return false
}

// eventually polls fn every tick until it returns true or timeout elapses.
func eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}

func TestWatch_NewDocumentIndexed(t *testing.T) {
	env := newWatcherEnv(t)

	var mu sync.Mutex
	var changes []Change
	env.start(t, func(ch Change) {
		mu.Lock()
		changes = append(changes, ch)
		mu.Unlock()
	})

	_ = os.WriteFile(filepath.Join(env.dir, "new.md"), []byte(emma+"\n"), 0o644)

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		return env.indexedAt("new.md")
	}, "new document not indexed by watcher")

	eventually(t, 2*time.Second, 50*time.Millisecond, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, ch := range changes {
			if ch.Path == "new.md" && len(ch.Results) == 1 {
				return true
			}
		}
		return false
	}, "expected change callback for new.md")
}

func TestWatch_NewDirWatched(t *testing.T) {
	env := newWatcherEnv(t)
	env.start(t, nil)

	sub := filepath.Join(env.dir, "shelf")
	_ = os.MkdirAll(sub, 0o755)
	time.Sleep(100 * time.Millisecond)

	_ = os.WriteFile(filepath.Join(sub, "deep.md"), []byte(dune+"\n"), 0o644)

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		return env.indexedAt("shelf/deep.md")
	}, "document in new directory not indexed by watcher")
}

func TestWatch_DeleteForgetsDocument(t *testing.T) {
	env := newWatcherEnv(t)
	_ = os.WriteFile(filepath.Join(env.dir, "del.md"), []byte(emma+"\n"), 0o644)
	if _, err := env.idx.RebuildFromScratch(context.Background(), nil, nil); err != nil {
		t.Fatal(err)
	}
	if !env.indexedAt("del.md") {
		t.Fatal("precondition: document should be indexed")
	}

	env.start(t, nil)
	_ = os.Remove(filepath.Join(env.dir, "del.md"))

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		return !env.indexedAt("del.md")
	}, "deleted document still indexed")
}

func TestWatch_RenameReconciles(t *testing.T) {
	env := newWatcherEnv(t)
	_ = os.WriteFile(filepath.Join(env.dir, "old.md"), []byte(emma+"\n"), 0o644)
	if _, err := env.idx.RebuildFromScratch(context.Background(), nil, nil); err != nil {
		t.Fatal(err)
	}

	env.start(t, nil)
	_ = os.Rename(filepath.Join(env.dir, "old.md"), filepath.Join(env.dir, "renamed.md"))

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		return !env.indexedAt("old.md") && env.indexedAt("renamed.md")
	}, "rename reconciliation failed: old path should be forgotten and new path indexed")
}

func TestWatch_IgnoresNonMarkdown(t *testing.T) {
	env := newWatcherEnv(t)
	env.start(t, nil)

	_ = os.WriteFile(filepath.Join(env.dir, "notes.txt"), []byte(emma+"\n"), 0o644)
	time.Sleep(300 * time.Millisecond)

	if env.indexedAt("notes.txt") {
		t.Error("non-markdown file indexed")
	}
}

func TestObserveDir_LogsUnreadableDir(t *testing.T) {
	dir, fs := testutil.TestVault(t)
	idx := cardindex.New(fs, cardindex.WithLogger(testutil.Logger()))
	var buf bytes.Buffer
	obs := New(idx, fs, slog.New(slog.NewTextHandler(&buf, nil)))

	called := false
	obs.observeDir(context.Background(), dir, filepath.Join(dir, "gone"), func(Change) { called = true })

	if called {
		t.Error("callback invoked for a missing directory")
	}
	if !strings.Contains(buf.String(), "walk new dir entry failed") {
		t.Errorf("walk error not logged: %q", buf.String())
	}
}
