package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const fileSuffix = ".graphsync"

// Filesystem stores one file per session in a directory. Writes go through a
// temporary file and a rename so a crash never leaves a torn blob.
type Filesystem struct {
	root string
}

func NewFilesystem(root string) (*Filesystem, error) {
	if root == "" {
		root = "graphsync-data"
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &Filesystem{root: root}, nil
}

func (f *Filesystem) path(sessionID string) string {
	return filepath.Join(f.root, sessionID+fileSuffix)
}

func (f *Filesystem) Load(_ context.Context, sessionID string) ([]byte, error) {
	if err := checkID(sessionID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}
	return data, nil
}

func (f *Filesystem) Save(_ context.Context, sessionID string, data []byte) error {
	if err := checkID(sessionID); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(f.root, sessionID+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path(sessionID)); err != nil {
		return fmt.Errorf("failed to move session file into place: %w", err)
	}
	return nil
}

func (f *Filesystem) Close() error { return nil }
