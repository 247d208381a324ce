package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"go.uber.org/multierr"
	"gorgonia.org/tensor"
)

var (
	// ErrLockTimeout is returned when the artifact lock could not be acquired in time.
	ErrLockTimeout = errors.New("timed out waiting for artifact lock")
	// ErrArtifactCorrupt is returned for unreadable archives and missing or ill-shaped fields.
	ErrArtifactCorrupt = errors.New("calibration artifact is corrupt")
)

const npyExt = ".npy"

// Save writes arrays to path. Readers holding the lock never observe a partially written file,
// and a failure leaves the previous artifact, if any, untouched.
func Save(ctx context.Context, path string, arrays Arrays, timeout time.Duration) error {
	if len(arrays) == 0 {
		return errors.New("refusing to save an empty artifact")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return withLock(ctx, path, timeout, func() error {
		return writeAtomic(path, arrays)
	})
}

func writeAtomic(path string, arrays Arrays) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	closed := false
	defer func() {
		if err == nil {
			return
		}
		if !closed {
			err = multierr.Append(err, tmp.Close())
		}
		err = multierr.Append(err, os.Remove(tmpName))
	}()

	if err := encode(tmp, arrays); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", tmpName, err)
	}
	closed = true
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to move artifact into place: %w", err)
	}
	return nil
}

func encode(f *os.File, arrays Arrays) error {
	names := make([]string, 0, len(arrays))
	for name := range arrays {
		names = append(names, name)
	}
	sort.Strings(names)

	zw := zip.NewWriter(f)
	for _, name := range names {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name + npyExt, Method: zip.Deflate})
		if err != nil {
			return multierr.Append(err, zw.Close())
		}
		if err := arrays[name].WriteNpy(w); err != nil {
			return multierr.Append(fmt.Errorf("field %s: %w", name, err), zw.Close())
		}
	}
	return zw.Close()
}

// Load reads every array of the artifact at path.
func Load(ctx context.Context, path string, timeout time.Duration) (Arrays, error) {
	var raw []byte
	err := withLock(ctx, path, timeout, func() error {
		var err error
		raw, err = os.ReadFile(path)
		return err
	})
	if err != nil {
		return nil, err
	}
	return decode(raw)
}

func decode(raw []byte) (Arrays, error) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrArtifactCorrupt, err)
	}
	arrays := Arrays{}
	for _, file := range zr.File {
		if !strings.HasSuffix(file.Name, npyExt) {
			continue
		}
		name := strings.TrimSuffix(file.Name, npyExt)
		d, err := readNpy(file)
		if err != nil {
			return nil, fmt.Errorf("%w: field %s: %w", ErrArtifactCorrupt, name, err)
		}
		arrays[name] = d
	}
	if len(arrays) == 0 {
		return nil, fmt.Errorf("%w: no arrays in archive", ErrArtifactCorrupt)
	}
	return arrays, nil
}

func readNpy(file *zip.File) (d *tensor.Dense, err error) {
	rc, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer func() {
		err = multierr.Append(err, rc.Close())
	}()
	// ReadNpy panics on some malformed headers
	defer func() {
		if r := recover(); r != nil {
			d, err = nil, fmt.Errorf("malformed npy: %v", r)
		}
	}()
	d = new(tensor.Dense)
	if err := d.ReadNpy(rc); err != nil {
		return nil, err
	}
	return d, nil
}
