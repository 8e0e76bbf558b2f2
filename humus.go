package humus

import (
	"log/slog"

	"github.com/aretw0/humus/internal/platform"
	"github.com/aretw0/humus/pkg/adapters/level"
	"github.com/aretw0/humus/pkg/core"
	"github.com/aretw0/humus/pkg/index"
	"github.com/aretw0/humus/pkg/replication"
)

// --- Types ---

// Store is the goleveldb-backed document store.
type Store = level.Store

// Config is the content of a humus.yaml file.
type Config = platform.Config

// --- Configuration ---

// Option defines a functional option for opening a database.
type Option = platform.Option

// WithLogger sets the logger for the store and everything built on it.
func WithLogger(logger *slog.Logger) Option {
	return platform.WithLogger(logger)
}

// WithStore injects an already opened store.
func WithStore(s *Store) Option {
	return platform.WithStore(s)
}

// WithSystemDir sets the directory holding the database files (".humus").
func WithSystemDir(name string) Option {
	return platform.WithSystemDir(name)
}

// WithInMemory keeps everything in memory.
func WithInMemory(enabled bool) Option {
	return platform.WithInMemory(enabled)
}

// WithReadOnly opens the database read-only.
func WithReadOnly(enabled bool) Option {
	return platform.WithReadOnly(enabled)
}

// WithCacheSize sets how many decoded documents are cached.
func WithCacheSize(n int) Option {
	return platform.WithCacheSize(n)
}

// WithRevsLimit sets how many generations of history are kept per key.
func WithRevsLimit(n int) Option {
	return platform.WithRevsLimit(n)
}

// WithStopWords replaces the default stop words of full-text indexes.
func WithStopWords(words ...string) Option {
	return platform.WithStopWords(words...)
}

// WithIndexes defines the given indexes on open.
func WithIndexes(specs ...index.Spec) Option {
	return platform.WithIndexes(specs...)
}

// WithErrorHandler receives background store failures.
func WithErrorHandler(fn func(error)) Option {
	return platform.WithErrorHandler(fn)
}

// WithAutoInit creates the root directory when it does not exist.
func WithAutoInit(auto bool) Option {
	return platform.WithAutoInit(auto)
}

// WithMustExist fails when the database has not been initialized.
func WithMustExist(must bool) Option {
	return platform.WithMustExist(must)
}

// WithForceTemp forces the use of a temporary directory (useful for testing).
func WithForceTemp(force bool) Option {
	return platform.WithForceTemp(force)
}

// WithDevSafety controls the sandbox used under `go run` and `go test`.
func WithDevSafety(enabled bool) Option {
	return platform.WithDevSafety(enabled)
}

// --- Factory ---

// Open opens the database rooted at path.
func Open(path string, opts ...Option) (*Store, error) {
	return platform.Open(path, opts...)
}

// New opens the database and wraps it in a core.Service.
func New(path string, opts ...Option) (*core.Service, error) {
	return platform.New(path, opts...)
}

// Init creates a database at path and returns the resolved root.
func Init(path string, opts ...Option) (string, error) {
	return platform.Init(path, opts...)
}

// LoadConfig reads humus.yaml from root.
func LoadConfig(root string) (*Config, error) {
	return platform.LoadConfig(root)
}

// --- Replication ---

// Replicate prepares a replicator between store and config.Endpoint.
func Replicate(store *Store, config replication.Config) (*replication.Replicator, error) {
	return replication.New(store, config)
}

// --- Safety & Utils ---

// IsDevRun checks if the current process is running via `go run` or `go test`.
func IsDevRun() bool {
	return platform.IsDevRun()
}

// FindRoot looks upwards from startDir for a database root.
func FindRoot(startDir string) (string, error) {
	return platform.FindRoot(startDir)
}
