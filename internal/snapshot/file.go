package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/trafflux/petdb/internal/data"
)

// File keeps the snapshot in a single file, replaced atomically on save.
type File struct {
	path string
	mu   sync.Mutex
}

var _ Cache = (*File)(nil)

func NewFile(path string) *File {
	return &File{path: path}
}

func (f *File) Load(ctx context.Context) (map[string]data.Fields, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	b, err := os.ReadFile(f.path)
	f.mu.Unlock()

	if os.IsNotExist(err) {
		return nil, errors.Wrapf(ErrNoSnapshot, "%s does not exist", f.path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "could not read snapshot %s", f.path)
	}

	return Decode(b)
}

// Save writes to a temporary file next to the target and swaps it in.
func (f *File) Save(ctx context.Context, models map[string]data.Fields) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b, err := Encode(models)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return errors.Wrapf(err, "could not create directory for %s", f.path)
	}

	tmpFName := f.path + ".tmp"
	tmpF, err := os.Create(tmpFName)
	if err != nil {
		return errors.Wrapf(err, "could not create %s file", tmpFName)
	}

	defer func() {
		_ = tmpF.Close()
		_ = os.RemoveAll(tmpFName)
	}()

	n, err := tmpF.Write(b)
	if err != nil {
		return errors.Wrapf(err, "could not write into %s file", tmpFName)
	}
	if n != len(b) {
		return errors.Errorf("could not write all the data into %s file", tmpFName)
	}

	if err := tmpF.Sync(); err != nil {
		return errors.Wrapf(err, "could not sync file %s", tmpFName)
	}

	if err := os.Rename(tmpFName, f.path); err != nil {
		return errors.Wrapf(err, "could not swap %s file for %s", f.path, tmpFName)
	}

	return nil
}
