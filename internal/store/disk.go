package store

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/keithlinneman/imgdrop/internal/convert"
	"github.com/keithlinneman/imgdrop/internal/xerrors"
)

// DiskStore keeps blobs as <id>.<ext> with a <id>.json metadata sidecar
// under a single directory. Writes go through a temp file + rename so a
// crash mid-write never leaves a blob without metadata or vice versa:
// the sidecar is written last and is the marker of a complete save.
type DiskStore struct {
	dir string
}

// NewDiskStore creates the data directory if needed.
func NewDiskStore(dir string) (*DiskStore, error) {
	if dir == "" {
		return nil, xerrors.New("data directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, xerrors.Wrapf(err, "create data dir %s", dir)
	}
	return &DiskStore{dir: dir}, nil
}

func (s *DiskStore) blobPath(meta Meta) string {
	return filepath.Join(s.dir, meta.ID+"."+convert.ExtFor(meta.Format))
}

func (s *DiskStore) metaPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *DiskStore) Save(ctx context.Context, meta Meta, data []byte) error {
	if !ValidID(meta.ID) {
		return xerrors.Newf("invalid id %q", meta.ID)
	}

	blob := s.blobPath(meta)
	if err := writeAtomic(blob, data, 0o644); err != nil {
		return xerrors.Wrapf(err, "write blob %s", blob)
	}

	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return xerrors.Wrap(err, "marshal metadata")
	}
	if err := writeAtomic(s.metaPath(meta.ID), raw, 0o644); err != nil {
		// roll the blob back so we never serve an image without metadata
		_ = os.Remove(blob)
		return xerrors.Wrapf(err, "write metadata for %s", meta.ID)
	}
	return nil
}

func (s *DiskStore) Open(ctx context.Context, id string) (io.ReadCloser, Meta, error) {
	meta, err := s.Stat(ctx, id)
	if err != nil {
		return nil, Meta{}, err
	}
	f, err := os.Open(s.blobPath(meta))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, Meta{}, ErrNotFound
		}
		return nil, Meta{}, xerrors.Wrapf(err, "open blob for %s", id)
	}
	return f, meta, nil
}

func (s *DiskStore) Stat(ctx context.Context, id string) (Meta, error) {
	if !ValidID(id) {
		return Meta{}, ErrNotFound
	}
	raw, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return Meta{}, ErrNotFound
		}
		return Meta{}, xerrors.Wrapf(err, "read metadata for %s", id)
	}
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Meta{}, xerrors.Wrapf(err, "decode metadata for %s", id)
	}
	return meta, nil
}

// List rebuilds the index by scanning the data directory for metadata
// sidecars. Blobs without a sidecar are incomplete saves and are skipped.
func (s *DiskStore) List(ctx context.Context) ([]Meta, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, xerrors.Wrapf(err, "scan data dir %s", s.dir)
	}
	var out []Meta
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		meta, err := s.Stat(ctx, id)
		if err != nil {
			// stray or concurrently deleted sidecar
			continue
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UploadedAt.After(out[j].UploadedAt)
	})
	return out, nil
}

// writeAtomic writes to a temp file in the target directory then renames
// into place.
func writeAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		// no-op when the rename succeeded
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
