package crudfs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/starford/crudfs/internal/apperr"
	"github.com/starford/crudfs/internal/manifest"
	"github.com/starford/crudfs/internal/pathkey"
	"github.com/starford/crudfs/internal/record"
)

// Drift compares a manifest entry with the ledger's view of the same key.
type Drift struct {
	Path   string         `json:"path"`
	Key    pathkey.Key    `json:"key"`
	Local  record.Record  `json:"local"`
	Remote *record.Record `json:"remote,omitempty"`
	// Fields lists what differs: "missing", "cid", "metadata", "timestamp".
	Fields []string `json:"fields,omitempty"`
}

// InSync reports whether nothing differs.
func (d Drift) InSync() bool { return len(d.Fields) == 0 }

func (d Drift) String() string {
	if d.InSync() {
		return d.Path + ": in sync"
	}
	return d.Path + ": " + strings.Join(d.Fields, ", ")
}

func compare(local record.Record, remote *record.Record) Drift {
	d := Drift{Path: local.Path, Key: local.Key, Local: local, Remote: remote}
	if remote == nil {
		d.Fields = []string{"missing"}
		return d
	}
	if !local.CID.Equals(remote.CID) {
		d.Fields = append(d.Fields, "cid")
	}
	if !local.Metadata.Equal(remote.Metadata) {
		d.Fields = append(d.Fields, "metadata")
	}
	if local.Timestamp != remote.Timestamp {
		d.Fields = append(d.Fields, "timestamp")
	}
	return d
}

// Verify compares the manifest entry for path with the ledger. It never
// modifies the manifest; a mismatch is returned as ErrConflict together with
// the drift report.
func (s *Service) Verify(ctx context.Context, path string) (d Drift, err error) {
	key := pathkey.Derive(path)
	start := s.now()
	defer func() { s.emit(OpVerify, path, key, d.Local, err, start) }()

	unlock, err := s.locks.Lock(ctx, key)
	if err != nil {
		return Drift{}, err
	}
	defer unlock()

	local, ok := s.manifest.GetKey(key)
	if !ok {
		return Drift{}, fmt.Errorf("%w: %s", apperr.ErrNotTracked, pathkey.Canonical(path))
	}
	remote, err := s.ledger.Read(ctx, key)
	switch {
	case errors.Is(err, apperr.ErrRecordNotFound):
		d = compare(local, nil)
	case err != nil:
		return Drift{}, fmt.Errorf("verify %s: %w", local.Path, err)
	default:
		d = compare(local, &remote)
	}
	if !d.InSync() {
		return d, fmt.Errorf("%w: %s", apperr.ErrConflict, d)
	}
	return d, nil
}

// Fetch downloads the tracked content of path from the blob store to dest
// and checks it against the manifest's content identifier.
func (s *Service) Fetch(ctx context.Context, path, dest string) (rec record.Record, err error) {
	key := pathkey.Derive(path)
	start := s.now()
	defer func() { s.emit(OpFetch, path, key, rec, err, start) }()

	unlock, err := s.locks.Lock(ctx, key)
	if err != nil {
		return record.Record{}, err
	}
	defer unlock()

	tracked, ok := s.manifest.GetKey(key)
	if !ok {
		return record.Record{}, fmt.Errorf("%w: %s", apperr.ErrNotTracked, pathkey.Canonical(path))
	}
	got, err := s.blobs.Get(ctx, tracked.CID, dest)
	if err != nil {
		return record.Record{}, fmt.Errorf("fetch %s: %w", tracked.Path, err)
	}
	if !got.CID.Equals(tracked.CID) {
		return record.Record{}, fmt.Errorf("%w: fetch %s: store returned %s, manifest has %s",
			apperr.ErrConflict, tracked.Path, got.CID, tracked.CID)
	}
	return got.WithMetadata(tracked.Metadata), nil
}

// RebuildReport summarizes a Rebuild.
type RebuildReport struct {
	// Added were on the ledger but missing from the manifest.
	Added []record.Record `json:"added"`
	// Conflicts are entries present on both sides that disagree. They are
	// left untouched.
	Conflicts []Drift `json:"conflicts"`
	// Orphans are manifest entries the ledger does not list.
	Orphans []record.Record `json:"orphans"`
}

// Rebuild walks every ledger key and adds records the manifest is missing.
// Existing entries are never overwritten.
func (s *Service) Rebuild(ctx context.Context) (RebuildReport, error) {
	var rep RebuildReport
	keys, err := s.ledger.Keys(ctx)
	if err != nil {
		return rep, fmt.Errorf("rebuild: %w", err)
	}

	seen := make(map[pathkey.Key]struct{}, len(keys))
	for _, key := range keys {
		seen[key] = struct{}{}
		if err := s.rebuildKey(ctx, key, &rep); err != nil {
			return rep, err
		}
	}
	for _, r := range s.manifest.Records() {
		if _, ok := seen[r.Key]; !ok {
			rep.Orphans = append(rep.Orphans, r)
		}
	}
	s.log.Info("crudfs: rebuild",
		slog.Int("ledger_keys", len(keys)),
		slog.Int("added", len(rep.Added)),
		slog.Int("conflicts", len(rep.Conflicts)),
		slog.Int("orphans", len(rep.Orphans)))
	return rep, nil
}

func (s *Service) rebuildKey(ctx context.Context, key pathkey.Key, rep *RebuildReport) error {
	unlock, err := s.locks.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	remote, err := s.ledger.Read(ctx, key)
	if err != nil {
		if errors.Is(err, apperr.ErrRecordNotFound) {
			return nil
		}
		return fmt.Errorf("rebuild %s: %w", key.Hex(), err)
	}
	if local, ok := s.manifest.GetKey(key); ok {
		if d := compare(local, &remote); !d.InSync() {
			rep.Conflicts = append(rep.Conflicts, d)
		}
		return nil
	}
	if err := s.manifest.Add(remote); err != nil {
		return fmt.Errorf("rebuild %s: %w", remote.Path, err)
	}
	rep.Added = append(rep.Added, remote)
	return nil
}

// Recover settles intents left by an interrupted process. For each one the
// ledger's current state for the key is written to the manifest, since the
// ledger is authoritative once a mutation may have landed. It returns the
// number of intents settled.
func (s *Service) Recover(ctx context.Context) (int, error) {
	pending, err := s.journal.pending()
	if err != nil {
		return 0, err
	}

	var issues []string
	n := 0
	for _, in := range pending {
		if err := s.recoverIntent(ctx, in); err != nil {
			issues = append(issues, fmt.Sprintf("%s: %v", in.Path, err))
			continue
		}
		n++
	}
	if len(issues) > 0 {
		return n, fmt.Errorf("recover: %d intent(s) unresolved: %s", len(issues), strings.Join(issues, "; "))
	}
	return n, nil
}

func (s *Service) recoverIntent(ctx context.Context, in intent) (err error) {
	key, err := pathkey.ParseHex(in.Key)
	if err != nil {
		return err
	}
	var rec record.Record
	start := s.now()
	defer func() { s.emit(OpRecover, in.Path, key, rec, err, start) }()

	unlock, err := s.locks.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	remote, err := s.ledger.Read(ctx, key)
	switch {
	case errors.Is(err, apperr.ErrRecordNotFound):
		err = s.manifest.Update(func(m *manifest.Manifest) error {
			delete(m.Files, key.Hex())
			return nil
		})
	case err != nil:
		return err
	default:
		rec = remote
		err = s.manifest.Add(remote)
	}
	if err != nil {
		return err
	}
	s.log.Warn("crudfs: recovered interrupted "+in.Op,
		slog.String("path", in.Path),
		slog.String("key", in.Key))
	return s.journal.clear(key)
}
