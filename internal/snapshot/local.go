package snapshot

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"catalog-similarity-engine/internal/errs"
)

// Local stores the snapshot as one file. Save writes a temp file in the same
// directory, fsyncs it and renames it over the target.
type Local struct {
	path string
}

// NewLocal creates a Local store for path, creating parent directories.
func NewLocal(path string) (*Local, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, errs.StorageFailure("snapshot.local", err)
	}
	return &Local{path: abs}, nil
}

func (l *Local) Load(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errs.NotFound("snapshot.load", "%s does not exist", l.path)
	}
	if err != nil {
		return nil, errs.StorageFailure("snapshot.load", err)
	}
	return data, nil
}

func (l *Local) Save(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := l.writeAtomic(data); err != nil {
		return errs.StorageFailure("snapshot.save", err)
	}
	return nil
}

func (l *Local) writeAtomic(data []byte) error {
	dir := filepath.Dir(l.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(l.path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		return err
	}
	committed = true

	// Persist the rename itself. Not every platform can fsync a directory.
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

func (l *Local) Location() string { return l.path }

var _ Store = (*Local)(nil)
