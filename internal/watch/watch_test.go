package watch

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/starford/crudfs/internal/ledger"
	"github.com/starford/crudfs/internal/record"
	"github.com/starford/crudfs/internal/testutil"
)

var quiet = slog.New(slog.NewJSONHandler(io.Discard, nil))

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

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) cb(kind, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, kind+":"+filepath.Base(path))
}

func (r *recorder) has(e string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.events {
		if got == e {
			return true
		}
	}
	return false
}

func start(t *testing.T, env *testutil.Env, opts ...Option) *recorder {
	t.Helper()
	return startBare(t, env, append([]Option{
		WithIgnore(env.Manifest.Path(), env.Manifest.Path()+".lock"),
	}, opts...)...)
}

// startBare runs a watcher without the default manifest ignores.
func startBare(t *testing.T, env *testutil.Env, opts ...Option) *recorder {
	t.Helper()
	rec := &recorder{}
	opts = append([]Option{
		WithDebounce(50 * time.Millisecond),
		WithLogger(quiet),
		WithCallback(rec.cb),
	}, opts...)
	w := New(env.Service, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	time.Sleep(100 * time.Millisecond)
	return rec
}

func TestWatcher_WritePushesUpdate(t *testing.T) {
	env := testutil.NewEnv(t)
	path := env.WriteFile(t, "doc.txt", "v1")
	created, err := env.Service.Create(context.Background(), path, record.Metadata{"k": "v"})
	if err != nil {
		t.Fatal(err)
	}

	events := start(t, env)
	if err := os.WriteFile(path, []byte("v2"), 0o644); err != nil {
		t.Fatal(err)
	}

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		got, _ := env.Manifest.Get(path)
		return !got.CID.Equals(created.CID)
	}, "write to tracked file not pushed")

	got, _ := env.Manifest.Get(path)
	if got.Metadata["k"] != "v" {
		t.Errorf("metadata lost on watcher update: %v", got.Metadata)
	}
	eventually(t, 2*time.Second, 50*time.Millisecond, func() bool {
		return events.has("updated:doc.txt")
	}, "expected updated:doc.txt callback")
}

func TestWatcher_UnchangedContentSkipsLedger(t *testing.T) {
	env := testutil.NewEnv(t)
	path := env.WriteFile(t, "same.txt", "content")
	if _, err := env.Service.Create(context.Background(), path, nil); err != nil {
		t.Fatal(err)
	}

	start(t, env)
	if err := os.WriteFile(path, []byte("content"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)

	if n := env.Ledger.Calls(ledger.OpUpdate); n != 0 {
		t.Errorf("ledger updates = %d, want 0", n)
	}
}

func TestWatcher_RemoveDeletesWhenEnabled(t *testing.T) {
	env := testutil.NewEnv(t)
	path := env.WriteFile(t, "gone.txt", "x")
	if _, err := env.Service.Create(context.Background(), path, nil); err != nil {
		t.Fatal(err)
	}

	events := start(t, env, WithDeleteOnRemove(true))
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		return !env.Manifest.Contains(path)
	}, "removed file still tracked")
	if !events.has("deleted:gone.txt") {
		t.Error("expected deleted:gone.txt callback")
	}
}

func TestWatcher_RemoveKeepsRecordByDefault(t *testing.T) {
	env := testutil.NewEnv(t)
	path := env.WriteFile(t, "kept.txt", "x")
	if _, err := env.Service.Create(context.Background(), path, nil); err != nil {
		t.Fatal(err)
	}

	start(t, env)
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)

	if !env.Manifest.Contains(path) {
		t.Error("record dropped without delete_on_remove")
	}
	if n := env.Ledger.Calls(ledger.OpDelete); n != 0 {
		t.Errorf("ledger deletes = %d, want 0", n)
	}
}

func TestWatcher_AutoTrackUnderRoot(t *testing.T) {
	env := testutil.NewEnv(t)
	events := start(t, env, WithRoot(env.Dir), WithAutoTrack(true))

	path := env.WriteFile(t, "fresh.txt", "new")
	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		return env.Manifest.Contains(path)
	}, "new file under root not tracked")
	if !events.has("created:fresh.txt") {
		t.Error("expected created:fresh.txt callback")
	}

	nested := env.WriteFile(t, "sub/deep.txt", "deeper")
	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		return env.Manifest.Contains(nested)
	}, "file in new subdir not tracked")

	if env.Manifest.Contains(env.Manifest.Path()) {
		t.Error("manifest tracked itself")
	}
}

func TestWatcher_IgnoresUntrackedWithoutAutoTrack(t *testing.T) {
	env := testutil.NewEnv(t)
	start(t, env, WithRoot(env.Dir))

	path := env.WriteFile(t, "stray.txt", "x")
	time.Sleep(300 * time.Millisecond)

	if env.Manifest.Contains(path) {
		t.Error("untracked file created without auto-track")
	}
}

func TestWatcher_RelativeIgnoresUnderRoot(t *testing.T) {
	env := testutil.NewEnv(t)
	t.Chdir(env.Dir)
	name := filepath.Base(env.Manifest.Path())
	events := startBare(t, env,
		WithRoot("."),
		WithAutoTrack(true),
		WithIgnore(name, name+".lock"),
		WithIgnoreDir(name+".intents"),
	)

	path := env.WriteFile(t, "a.txt", "tracked")
	env.WriteFile(t, name+".intents/pending.json", "{}")
	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		return env.Manifest.Contains(path)
	}, "new file under relative root not tracked")

	// Give a self-tracking manifest time to show up and loop.
	time.Sleep(500 * time.Millisecond)

	if env.Manifest.Contains(env.Manifest.Path()) {
		t.Error("manifest tracked itself")
	}
	if env.Manifest.Contains(filepath.Join(env.Dir, name+".intents", "pending.json")) {
		t.Error("journal entry tracked")
	}
	if n := env.Ledger.Calls(ledger.OpCreate); n != 1 {
		t.Errorf("ledger creates = %d, want 1", n)
	}
	if n := env.Ledger.Calls(ledger.OpUpdate); n != 0 {
		t.Errorf("ledger updates = %d, want 0", n)
	}
	if events.has("updated:" + name) {
		t.Error("watcher pushed the manifest")
	}
}

func TestSkip(t *testing.T) {
	w := New(nil, WithIgnore("/srv/m.json"), WithIgnoreDir("/srv/m.json.intents"))
	for name, want := range map[string]bool{
		"/srv/m.json":                 true,
		"/srv/m.json.intents":         true,
		"/srv/m.json.intents/k.json":  true,
		"/srv/m.json.intentsx/k.json": false,
		"/srv/a.txt":                  false,
		"/srv/.crudfs-tmp-123":        true,
	} {
		if got := w.skip(name); got != want {
			t.Errorf("skip(%q) = %v, want %v", name, got, want)
		}
	}
}
