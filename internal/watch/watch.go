// Package watch pushes local edits of tracked files through the crudfs
// verbs as they happen.
package watch

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/crudfs/internal/apperr"
	"github.com/starford/crudfs/internal/contentid"
	"github.com/starford/crudfs/internal/pathkey"
	"github.com/starford/crudfs/internal/record"
)

// Service is the part of crudfs.Service the watcher drives.
type Service interface {
	Create(ctx context.Context, path string, meta record.Metadata) (record.Record, error)
	Read(ctx context.Context, path string) (record.Record, error)
	UpdatePath(ctx context.Context, path string, meta *record.Metadata) (record.Record, error)
	Delete(ctx context.Context, path string) error
	List() []record.Record
}

// EventCallback is called after a watcher-driven verb succeeds.
// kind is one of "created", "updated", "deleted".
type EventCallback func(kind string, path string)

// Watcher turns fsnotify events into crudfs verbs.
type Watcher struct {
	svc            Service
	root           string
	debounce       time.Duration
	deleteOnRemove bool
	autoTrack      bool
	ignore         map[string]struct{}
	ignoreDirs     []string
	log            *slog.Logger
	cb             EventCallback

	fsw     *fsnotify.Watcher
	watched map[string]struct{}
	pending map[string]struct{}
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithRoot watches root and all of its subdirectories in addition to the
// directories of tracked files.
func WithRoot(root string) Option {
	return func(w *Watcher) { w.root = absolute(root) }
}

// WithDebounce sets how long a path must stay quiet before it is pushed.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// WithDeleteOnRemove deletes the ledger record when a tracked file is
// removed or renamed away.
func WithDeleteOnRemove(on bool) Option {
	return func(w *Watcher) { w.deleteOnRemove = on }
}

// WithAutoTrack creates records for new files appearing under the root.
func WithAutoTrack(on bool) Option {
	return func(w *Watcher) { w.autoTrack = on }
}

// WithIgnore skips the given paths, typically the manifest itself.
// Relative paths are taken from the working directory.
func WithIgnore(paths ...string) Option {
	return func(w *Watcher) {
		for _, p := range paths {
			w.ignore[pathkey.Canonical(absolute(p))] = struct{}{}
		}
	}
}

// WithIgnoreDir skips everything below the given directories.
func WithIgnoreDir(dirs ...string) Option {
	return func(w *Watcher) {
		for _, d := range dirs {
			w.ignoreDirs = append(w.ignoreDirs, pathkey.Canonical(absolute(d)))
		}
	}
}

func absolute(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) { w.log = l }
}

// WithCallback registers cb.
func WithCallback(cb EventCallback) Option {
	return func(w *Watcher) { w.cb = cb }
}

// New creates a Watcher over svc.
func New(svc Service, opts ...Option) *Watcher {
	w := &Watcher{
		svc:      svc,
		debounce: 300 * time.Millisecond,
		ignore:   make(map[string]struct{}),
		log:      slog.Default(),
		watched:  make(map[string]struct{}),
		pending:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()
	w.fsw = fsw

	if w.root != "" {
		if err := w.addDirsRecursive(w.root); err != nil {
			return err
		}
	}
	w.watchTracked()

	w.log.Info("watcher: started",
		slog.String("root", w.root),
		slog.Int("dirs", len(w.watched)))

	var timer *time.Timer
	var fire <-chan time.Time
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(w.debounce)
			fire = timer.C
		} else {
			timer.Reset(w.debounce)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			w.log.Info("watcher: stopped")
			return nil

		case <-fire:
			w.flush(ctx)

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if w.skip(ev.Name) {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
					if w.underRoot(ev.Name) {
						w.enqueueDir(ev.Name)
						schedule()
					}
					continue
				}
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.pending[pathkey.Canonical(ev.Name)] = struct{}{}
			schedule()

		case watchErr, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// flush settles every pending path against the disk and the manifest.
func (w *Watcher) flush(ctx context.Context) {
	pending := w.pending
	w.pending = make(map[string]struct{})

	for path := range pending {
		if err := w.settle(ctx, path); err != nil {
			w.log.Warn("watcher: push failed",
				slog.String("path", path),
				slog.String("kind", apperr.Kind(err)),
				slog.String("error", err.Error()))
		}
	}
	// Files tracked through other surfaces may live in new directories.
	w.watchTracked()
}

func (w *Watcher) settle(ctx context.Context, path string) error {
	local := filepath.FromSlash(path)
	cur, err := w.svc.Read(ctx, path)
	tracked := err == nil
	if err != nil && !errors.Is(err, apperr.ErrNotTracked) {
		return err
	}

	info, statErr := os.Stat(local)
	switch {
	case errors.Is(statErr, fs.ErrNotExist):
		if !tracked || !w.deleteOnRemove {
			return nil
		}
		if err := w.svc.Delete(ctx, path); err != nil {
			return err
		}
		w.notify("deleted", path)
		return nil
	case statErr != nil:
		return statErr
	case info.IsDir():
		return nil
	}

	if !tracked {
		if !w.autoTrack || !w.underRoot(local) {
			return nil
		}
		if _, err := w.svc.Create(ctx, local, nil); err != nil {
			return err
		}
		w.notify("created", path)
		return nil
	}

	// Writes that leave the content unchanged, such as our own uploads,
	// need no ledger round trip.
	id, err := contentid.ComputeFile(local)
	if err != nil {
		return err
	}
	if id.Equals(cur.CID) {
		return nil
	}
	if _, err := w.svc.UpdatePath(ctx, local, nil); err != nil {
		return err
	}
	w.notify("updated", path)
	return nil
}

func (w *Watcher) notify(kind, path string) {
	w.log.Debug("watcher: pushed", slog.String("path", path), slog.String("op", kind))
	if w.cb != nil {
		w.cb(kind, path)
	}
}

func (w *Watcher) skip(name string) bool {
	if strings.HasPrefix(filepath.Base(name), ".crudfs-tmp-") {
		return true
	}
	canon := pathkey.Canonical(absolute(name))
	if _, ok := w.ignore[canon]; ok {
		return true
	}
	for _, d := range w.ignoreDirs {
		if canon == d || strings.HasPrefix(canon, d+"/") {
			return true
		}
	}
	return false
}

func (w *Watcher) underRoot(path string) bool {
	if w.root == "" {
		return false
	}
	rel, err := filepath.Rel(w.root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}

// watchTracked adds the directory of every tracked file.
func (w *Watcher) watchTracked() {
	for _, rec := range w.svc.List() {
		dir := filepath.Dir(filepath.FromSlash(rec.Path))
		if _, ok := w.watched[dir]; ok {
			continue
		}
		if err := w.add(dir); err != nil {
			w.log.Warn("watcher: add dir failed",
				slog.String("path", dir),
				slog.String("error", err.Error()))
		}
	}
}

// enqueueDir starts watching a directory created at runtime and queues the
// files already inside it.
func (w *Watcher) enqueueDir(dir string) {
	if err := w.addDirsRecursive(dir); err != nil {
		w.log.Warn("watcher: add new dir failed",
			slog.String("path", dir),
			slog.String("error", err.Error()))
		return
	}
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || w.skip(path) {
			return nil
		}
		w.pending[pathkey.Canonical(path)] = struct{}{}
		return nil
	})
}

// addDirsRecursive adds root and all its subdirectories to the watcher.
func (w *Watcher) addDirsRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && w.skip(path) {
				return filepath.SkipDir
			}
			return w.add(path)
		}
		return nil
	})
}

func (w *Watcher) add(dir string) error {
	if err := w.fsw.Add(dir); err != nil {
		return err
	}
	w.watched[dir] = struct{}{}
	return nil
}
