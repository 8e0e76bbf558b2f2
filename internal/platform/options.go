package platform

import (
	"log/slog"

	"github.com/aretw0/humus/pkg/adapters/level"
	"github.com/aretw0/humus/pkg/index"
)

// DefaultSystemDir holds the goleveldb files under the database root.
const DefaultSystemDir = ".humus"

// options holds the internal configuration for a humus database.
type options struct {
	store        *level.Store
	logger       *slog.Logger
	systemDir    string
	inMemory     bool
	readOnly     bool
	cacheSize    int
	revsLimit    int
	stopWords    []string
	indexes      []index.Spec
	errorHandler func(error)
	autoInit     bool
	mustExist    bool
	forceTemp    bool
	devSafety    bool
}

// Option defines a functional option for opening a database.
type Option func(*options)

func defaultOptions() *options {
	return &options{
		systemDir: DefaultSystemDir,
		devSafety: true,
	}
}

func apply(opts []Option) *options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithLogger sets the logger for the store and everything built on it.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithStore injects an already opened store. Path handling is skipped.
func WithStore(s *level.Store) Option {
	return func(o *options) {
		o.store = s
	}
}

// WithSystemDir sets the directory, relative to the root, holding the
// database files. Defaults to ".humus".
func WithSystemDir(name string) Option {
	return func(o *options) {
		o.systemDir = name
	}
}

// WithInMemory keeps everything in memory; the path is ignored.
func WithInMemory(enabled bool) Option {
	return func(o *options) {
		o.inMemory = enabled
	}
}

// WithReadOnly opens the database read-only.
// In this mode:
// 1. Writes return core.ErrReadOnly.
// 2. Directories are never created and configured indexes are not defined.
// 3. The dev sandbox is bypassed, so the real path is used.
func WithReadOnly(enabled bool) Option {
	return func(o *options) {
		o.readOnly = enabled
	}
}

// WithCacheSize sets how many decoded documents are cached.
func WithCacheSize(n int) Option {
	return func(o *options) {
		o.cacheSize = n
	}
}

// WithRevsLimit sets how many generations of history are kept per key.
func WithRevsLimit(n int) Option {
	return func(o *options) {
		o.revsLimit = n
	}
}

// WithStopWords replaces the default stop words of full-text indexes.
func WithStopWords(words ...string) Option {
	return func(o *options) {
		o.stopWords = words
	}
}

// WithIndexes defines the given indexes on open. Identical definitions are
// no-ops, so this is safe to pass on every open.
func WithIndexes(specs ...index.Spec) Option {
	return func(o *options) {
		o.indexes = append(o.indexes, specs...)
	}
}

// WithErrorHandler receives background failures such as index corruption
// found while committing.
func WithErrorHandler(fn func(error)) Option {
	return func(o *options) {
		o.errorHandler = fn
	}
}

// WithAutoInit creates the root directory when it does not exist.
func WithAutoInit(auto bool) Option {
	return func(o *options) {
		o.autoInit = auto
	}
}

// WithMustExist fails when the database has not been initialized.
func WithMustExist(must bool) Option {
	return func(o *options) {
		o.mustExist = must
	}
}

// WithForceTemp forces the use of a temporary directory (useful for testing).
func WithForceTemp(force bool) Option {
	return func(o *options) {
		o.forceTemp = force
	}
}

// WithDevSafety controls the sandbox used when running via `go run` or
// `go test`. By default (true) the database is re-rooted into a temporary
// directory to prevent accidental data loss.
//
// CAUTION: Only disable this if you are sure your code is safe.
func WithDevSafety(enabled bool) Option {
	return func(o *options) {
		o.devSafety = enabled
	}
}
