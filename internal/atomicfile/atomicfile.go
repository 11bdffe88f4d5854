// Package atomicfile writes files by staging them next to their destination
// and renaming into place, so readers never observe a half-written file.
package atomicfile

import (
	"errors"
	"io"
	"os"
	"path/filepath"
)

// AtomicFile is a pending file. Nothing is visible at the destination until
// Commit succeeds; Close without Commit discards the pending content.
type AtomicFile interface {
	io.WriteCloser
	Commit() error
}

type atomicFile struct {
	name     string
	perm     os.FileMode
	tempfile *os.File
}

// New stages a write to name. The committed file gets permissions perm.
func New(name string, perm os.FileMode) (AtomicFile, error) {
	tempfile, err := os.CreateTemp(filepath.Dir(name), filepath.Base(name)+".tmp")
	if err != nil {
		return nil, err
	}
	return &atomicFile{name: name, perm: perm, tempfile: tempfile}, nil
}

func (f *atomicFile) Write(d []byte) (int, error) {
	if f.tempfile == nil {
		return 0, errors.New("file is closed")
	}
	return f.tempfile.Write(d)
}

func (f *atomicFile) Close() error {
	if f.tempfile == nil {
		return nil
	}
	f.tempfile.Close()
	os.Remove(f.tempfile.Name())
	f.tempfile = nil
	return nil
}

func (f *atomicFile) Commit() error {
	if f.tempfile == nil {
		return errors.New("file is closed")
	}
	tempName := f.tempfile.Name()
	if err := f.tempfile.Chmod(f.perm); err != nil {
		f.Close()
		return err
	}
	if err := f.tempfile.Close(); err != nil {
		os.Remove(tempName)
		f.tempfile = nil
		return err
	}
	f.tempfile = nil
	// rename can't overwrite on windows
	if err := os.Remove(f.name); err != nil && !os.IsNotExist(err) {
		os.Remove(tempName)
		return err
	}
	if err := os.Rename(tempName, f.name); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

// WriteFile atomically replaces name with data
func WriteFile(name string, data []byte, perm os.FileMode) error {
	f, err := New(name, perm)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Commit()
}

// CopyFile atomically replaces dst with the contents of src
func CopyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	f, err := New(dst, perm)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(f, in); err != nil {
		return err
	}
	return f.Commit()
}
