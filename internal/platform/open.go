package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aretw0/humus/pkg/adapters/level"
	"github.com/aretw0/humus/pkg/core"
)

// ErrNotInitialized is returned when opening a root that holds no database
// with WithMustExist.
var ErrNotInitialized = errors.New("database not initialized")

// Open opens the database rooted at root.
func Open(root string, opts ...Option) (*level.Store, error) {
	o := apply(opts)
	if o.store != nil {
		return o.store, nil
	}

	cfg := level.Config{
		InMemory:     o.inMemory,
		ReadOnly:     o.readOnly,
		CacheSize:    o.cacheSize,
		RevsLimit:    o.revsLimit,
		StopWords:    o.stopWords,
		Logger:       o.logger,
		ErrorHandler: o.errorHandler,
	}
	if !o.inMemory {
		resolved, err := resolve(root, o)
		if err != nil {
			return nil, err
		}
		cfg.Path = filepath.Join(resolved, o.systemDir)
		if (o.mustExist || o.readOnly) && !hasFile(resolved, o.systemDir) {
			return nil, fmt.Errorf("%s: %w", resolved, ErrNotInitialized)
		}
	}

	s, err := level.Open(cfg)
	if err != nil {
		return nil, err
	}
	if err := ensureIndexes(s, o); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// New opens the database and wraps it in a core.Service.
func New(root string, opts ...Option) (*core.Service, error) {
	s, err := Open(root, opts...)
	if err != nil {
		return nil, err
	}
	return core.NewService(s, apply(opts).logger), nil
}

// Init creates a database at root: the directory, the store files and a
// humus.yaml when none exists. It returns the resolved root.
func Init(root string, opts ...Option) (string, error) {
	opts = append(opts[:len(opts):len(opts)], WithAutoInit(true))
	o := apply(opts)
	if o.readOnly {
		return "", fmt.Errorf("cannot initialize a read-only database: %w", core.ErrReadOnly)
	}
	if o.store != nil {
		return "", errors.New("cannot initialize an injected store")
	}
	resolved, err := resolve(root, o)
	if err != nil {
		return "", err
	}

	s, err := Open(resolved, append(opts, WithDevSafety(false))...)
	if err != nil {
		return "", err
	}
	if err := s.Close(); err != nil {
		return "", err
	}

	if !hasFile(resolved, ConfigFileName) {
		cfg := &Config{Indexes: o.indexes}
		if o.systemDir != DefaultSystemDir {
			cfg.SystemDir = o.systemDir
		}
		if err := SaveConfig(resolved, cfg); err != nil {
			return "", err
		}
	}
	return resolved, nil
}

// resolve applies the dev sandbox and creates the root when allowed.
func resolve(root string, o *options) (string, error) {
	bypass := o.readOnly || !o.devSafety
	useTemp := o.forceTemp || (IsDevRun() && !bypass)
	resolved := ResolvePath(root, useTemp)

	logger := o.logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if useTemp && resolved != filepath.Clean(root) {
		logger.Warn("running in SAFE MODE (dev sandbox)", "original_path", root, "resolved_path", resolved)
	} else if IsDevRun() && bypass && !o.readOnly {
		logger.Warn("running in UNSAFE mode (bypassing dev sandbox)", "path", resolved)
	}

	info, err := os.Stat(resolved)
	switch {
	case err == nil && !info.IsDir():
		return "", fmt.Errorf("%s is not a directory", resolved)
	case errors.Is(err, os.ErrNotExist):
		if !o.autoInit && !useTemp {
			return "", fmt.Errorf("%s: %w", resolved, ErrNotInitialized)
		}
		if o.readOnly {
			return "", fmt.Errorf("%s: %w", resolved, ErrNotInitialized)
		}
		if err := os.MkdirAll(resolved, 0755); err != nil {
			return "", fmt.Errorf("failed to create root: %w", err)
		}
	case err != nil:
		return "", err
	}
	return resolved, nil
}

func ensureIndexes(s *level.Store, o *options) error {
	if o.readOnly || len(o.indexes) == 0 {
		return nil
	}
	for _, spec := range o.indexes {
		if _, err := s.DefineIndex(context.Background(), spec); err != nil {
			return fmt.Errorf("failed to define index %s: %w", spec.Name, err)
		}
	}
	return nil
}
