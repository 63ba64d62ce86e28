package crudfs

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/starford/crudfs/internal/apperr"
	"github.com/starford/crudfs/internal/pathkey"
	"github.com/starford/crudfs/internal/storage"
)

// intent is written to <dir>/<hex key>.json before the ledger is touched
// and removed once the verb either completed or failed in a way that
// provably left the ledger unchanged.
type intent struct {
	Op        string `json:"op"`
	Path      string `json:"path"`
	Key       string `json:"key"`
	StartedAt int64  `json:"started_at"`
}

type journal struct {
	fs  afero.Fs
	dir string
}

// begin records an intent and returns the function that settles it. A nil
// journal is a no-op.
func (j *journal) begin(op, path string, key pathkey.Key, now time.Time) (func(error), error) {
	if j == nil {
		return func(error) {}, nil
	}
	data, err := json.Marshal(intent{Op: op, Path: path, Key: key.Hex(), StartedAt: now.Unix()})
	if err != nil {
		return nil, fmt.Errorf("%w: encode intent: %w", apperr.ErrIO, err)
	}
	if err := storage.WriteBytes(j.fs, j.file(key), data, 0o644); err != nil {
		return nil, fmt.Errorf("%w: write intent: %w", apperr.ErrIO, err)
	}
	return func(err error) {
		if err == nil || settled(err) {
			_ = j.clear(key)
		}
	}, nil
}

// settled reports whether err proves the ledger did not apply the mutation.
func settled(err error) bool {
	return errors.Is(err, apperr.ErrLedgerRejected) || errors.Is(err, apperr.ErrRecordNotFound)
}

func (j *journal) clear(key pathkey.Key) error {
	if err := j.fs.Remove(j.file(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: clear intent: %w", apperr.ErrIO, err)
	}
	return nil
}

func (j *journal) file(key pathkey.Key) string {
	return filepath.Join(j.dir, key.Hex()+".json")
}

// pending lists unsettled intents ordered by start time.
func (j *journal) pending() ([]intent, error) {
	if j == nil {
		return nil, nil
	}
	entries, err := afero.ReadDir(j.fs, j.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read intents: %w", apperr.ErrIO, err)
	}

	var out []intent
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := afero.ReadFile(j.fs, filepath.Join(j.dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("%w: read intent %s: %w", apperr.ErrIO, e.Name(), err)
		}
		var in intent
		if err := json.Unmarshal(data, &in); err != nil {
			return nil, fmt.Errorf("%w: intent %s: %w", apperr.ErrDecode, e.Name(), err)
		}
		out = append(out, in)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].StartedAt < out[b].StartedAt })
	return out, nil
}
