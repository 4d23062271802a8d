// Package local implements a StateStore on the local filesystem, one JSON
// file per region.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/stockwatch/internal/restock"
	"github.com/JakeFAU/stockwatch/internal/storage/statefile"
)

// Config captures the parameters for the local filesystem state store.
type Config struct {
	// BaseDir is the root directory where region files are stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// StateStore persists stock state under BaseDir.
type StateStore struct {
	baseDir string
	clock   restock.Clock
	mu      sync.Mutex
}

// New creates a filesystem-backed state store, creating BaseDir if needed.
func New(cfg Config, clock restock.Clock) (*StateStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &StateStore{baseDir: cfg.BaseDir, clock: clock}, nil
}

func (s *StateStore) path(region string) (string, error) {
	name, err := statefile.Name(region)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.baseDir, name), nil
}

func (s *StateStore) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}

// Get reads the region file; a missing file yields an empty state.
func (s *StateStore) Get(_ context.Context, region string) (restock.StockState, error) {
	path, err := s.path(region)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path) // #nosec G304 -- path is built from a validated region code.
	if errors.Is(err, os.ErrNotExist) {
		return restock.StockState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	return statefile.Decode(data)
}

// PutAll rewrites the region file atomically.
func (s *StateStore) PutAll(_ context.Context, region string, state restock.StockState) error {
	path, err := s.path(region)
	if err != nil {
		return err
	}
	data, err := statefile.Encode(region, state, s.now())
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tmp, err := os.CreateTemp(s.baseDir, "."+region+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}

// DeleteRegion removes the region file. Deleting an unknown region is not an
// error.
func (s *StateStore) DeleteRegion(_ context.Context, region string) error {
	path, err := s.path(region)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove state file: %w", err)
	}
	return nil
}
