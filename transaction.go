package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
)

const tempFilePrefix = "gcode"

// FileTransaction stages the new content of a file in a scratch file and
// renames it over the original on Commit, so the original is either fully
// replaced or left untouched.
type FileTransaction struct {
	fs       afero.Fs
	path     string
	tempPath string
	file     afero.File
	mode     os.FileMode
	keepMode bool
	done     bool
}

// BeginFileTransaction creates a uniquely named scratch file in tempDir
// (os.TempDir() if empty) that will replace path on Commit.
func BeginFileTransaction(fs afero.Fs, path, tempDir string) (*FileTransaction, error) {
	if tempDir == "" {
		tempDir = os.TempDir()
	}

	tx := &FileTransaction{fs: fs, path: path}
	if info, err := fs.Stat(path); err == nil {
		tx.mode = info.Mode().Perm()
		tx.keepMode = true
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	file, tempPath, err := createTempFile(fs, tempDir)
	if err != nil {
		return nil, err
	}
	tx.file = file
	tx.tempPath = tempPath

	return tx, nil
}

func (tx *FileTransaction) Write(p []byte) (int, error) {
	if tx.done || tx.file == nil {
		return 0, os.ErrClosed
	}
	return tx.file.Write(p)
}

// TempPath is the location of the staged content.
func (tx *FileTransaction) TempPath() string {
	return tx.tempPath
}

// Commit flushes the staged content to disk and moves it onto the target path.
func (tx *FileTransaction) Commit() error {
	if tx.done || tx.file == nil {
		return fmt.Errorf("transaction for %s already finished", tx.path)
	}

	if err := tx.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", tx.tempPath, err)
	}
	if err := tx.file.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tx.tempPath, err)
	}
	tx.file = nil

	if tx.keepMode {
		if err := tx.fs.Chmod(tx.tempPath, tx.mode); err != nil {
			return fmt.Errorf("failed to set mode of %s: %w", tx.tempPath, err)
		}
	}

	err := tx.fs.Rename(tx.tempPath, tx.path)
	if err != nil && isCrossDevice(err) {
		// The scratch directory lives on another filesystem, restage next to the target.
		err = tx.restageBesideTarget()
	}
	if err != nil {
		return fmt.Errorf("failed to replace %s: %w", tx.path, err)
	}

	tx.done = true
	return nil
}

// Rollback discards the staged content. It does nothing after a successful Commit.
func (tx *FileTransaction) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true

	var closeErr error
	if tx.file != nil {
		closeErr = tx.file.Close()
		tx.file = nil
	}
	if err := tx.fs.Remove(tx.tempPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", tx.tempPath, err)
	}
	return closeErr
}

func (tx *FileTransaction) restageBesideTarget() error {
	src, err := tx.fs.Open(tx.tempPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, dstPath, err := createTempFile(tx.fs, filepath.Dir(tx.path))
	if err != nil {
		return err
	}

	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = tx.fs.Remove(dstPath)
		return err
	}
	if err := dst.Sync(); err != nil {
		_ = dst.Close()
		_ = tx.fs.Remove(dstPath)
		return err
	}
	if err := dst.Close(); err != nil {
		_ = tx.fs.Remove(dstPath)
		return err
	}
	if tx.keepMode {
		if err := tx.fs.Chmod(dstPath, tx.mode); err != nil {
			_ = tx.fs.Remove(dstPath)
			return err
		}
	}
	if err := tx.fs.Rename(dstPath, tx.path); err != nil {
		_ = tx.fs.Remove(dstPath)
		return err
	}

	// The target is already replaced, a leftover scratch file is not worth failing for.
	_ = src.Close()
	_ = tx.fs.Remove(tx.tempPath)
	return nil
}

// createTempFile creates <dir>/gcode_<unix nanos>. On a coarse clock the name
// may already be taken, then an attempt counter is appended.
func createTempFile(fs afero.Fs, dir string) (afero.File, string, error) {
	var lastErr error
	for attempt := 0; attempt < 10; attempt++ {
		name := fmt.Sprintf("%s_%d", tempFilePrefix, time.Now().UnixNano())
		if attempt > 0 {
			name = fmt.Sprintf("%s_%d", name, attempt)
		}
		path := filepath.Join(dir, name)
		file, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return file, path, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, "", fmt.Errorf("failed to create temp file in %s: %w", dir, err)
		}
		lastErr = err
	}
	return nil, "", fmt.Errorf("failed to create temp file in %s: %w", dir, lastErr)
}
