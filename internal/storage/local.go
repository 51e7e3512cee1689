package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"
)

// LocalStorage keeps artifacts on the filesystem below one root directory
type LocalStorage struct {
	root string
}

// NewLocalStorage creates a new local storage instance
func NewLocalStorage(root string) (*LocalStorage, error) {
	if root == "" {
		root = "./data/volumes"
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage root: %w", err)
	}

	err = os.MkdirAll(abs, 0755)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	return &LocalStorage{root: abs}, nil
}

func (s *LocalStorage) Root() string {
	return s.root
}

func (s *LocalStorage) fullPath(path string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(path))
	if path == "" || filepath.IsAbs(clean) || clean == "." || clean == ".." ||
		strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid storage path %q", path)
	}
	return filepath.Join(s.root, clean), nil
}

func (s *LocalStorage) Locate(path string) (string, error) {
	full, err := s.fullPath(path)
	if err != nil {
		return "", err
	}

	err = os.MkdirAll(filepath.Dir(full), 0755)
	if err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	return full, nil
}

// Stage writes r next to its destination so the final rename stays on one filesystem
func (s *LocalStorage) Stage(ctx context.Context, path string, r io.Reader) (Staged, error) {
	full, err := s.Locate(path)
	if err != nil {
		return nil, err
	}

	tmp := filepath.Join(filepath.Dir(full), "."+filepath.Base(full)+"."+uuid.New().String()+".tmp")
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}

	_, err = io.Copy(file, contextReader{ctx: ctx, r: r})
	if err == nil {
		err = file.Sync()
	}
	closeErr := file.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	return &localStaged{tmp: tmp, dest: full}, nil
}

func (s *LocalStorage) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	full, err := s.fullPath(path)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotExist, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	return file, nil
}

func (s *LocalStorage) Delete(ctx context.Context, path string) error {
	full, err := s.fullPath(path)
	if err != nil {
		return err
	}

	err = os.Remove(full)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete file: %w", err)
	}

	return nil
}

func (s *LocalStorage) Exists(ctx context.Context, path string) (bool, error) {
	full, err := s.fullPath(path)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}

	return true, nil
}

type localStaged struct {
	tmp  string
	dest string
	done bool
}

// Commit replaces the destination in one rename. It ignores ctx: once the bytes
// are staged the rename either happens completely or not at all.
func (st *localStaged) Commit(ctx context.Context) error {
	if st.done {
		return errors.New("staged file already finished")
	}
	st.done = true

	err := atomic.ReplaceFile(st.tmp, st.dest)
	if err != nil {
		_ = os.Remove(st.tmp)
		return fmt.Errorf("failed to move file into place: %w", err)
	}
	return nil
}

func (st *localStaged) Discard() error {
	if st.done {
		return nil
	}
	st.done = true

	err := os.Remove(st.tmp)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove temp file: %w", err)
	}
	return nil
}
