package replication

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Direction selects which way revisions flow.
type Direction int

const (
	PushAndPull Direction = iota
	Push
	Pull
)

func (d Direction) String() string {
	switch d {
	case Push:
		return "push"
	case Pull:
		return "pull"
	default:
		return "push-and-pull"
	}
}

func (d Direction) pushes() bool { return d != Pull }
func (d Direction) pulls() bool  { return d != Push }

// ParseDirection reads "push", "pull" or "push-and-pull" ("both").
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "push":
		return Push, nil
	case "pull":
		return Pull, nil
	case "", "both", "push-and-pull", "pushandpull":
		return PushAndPull, nil
	}
	return 0, fmt.Errorf("unknown replication direction %q", s)
}

const (
	DefaultBatchSize    = 100
	DefaultMaxRetries   = 5
	DefaultHistoryLimit = 20
	DefaultPollInterval = 2 * time.Second
	DefaultBatchTimeout = time.Minute
)

// Config describes one replication session.
type Config struct {
	Endpoint   Endpoint
	Direction  Direction
	Continuous bool // keep syncing on local changes and on every poll

	// Session names the checkpoint. When empty it is derived from both
	// store ids and the direction, so reruns resume where they stopped.
	Session string

	BatchSize    int    // changes per batch
	Filter       string // doublestar pattern over document keys, empty for all
	HistoryLimit int    // ancestors sent with each revision

	MaxRetries   int           // consecutive failed attempts before giving up, negative for none
	RetryInitial time.Duration // first backoff interval
	RetryMax     time.Duration // backoff cap
	PollInterval time.Duration // continuous sessions look for remote changes this often
	BatchTimeout time.Duration // bound on one in-flight batch

	MaxPushRate float64 // revisions per second sent to the peer, 0 for unlimited

	Logger *slog.Logger
}

func (c *Config) setDefaults() error {
	if c.Endpoint == nil {
		return errors.New("replication endpoint is required")
	}
	if c.Filter != "" && !doublestar.ValidatePattern(c.Filter) {
		return fmt.Errorf("invalid replication filter %q", c.Filter)
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 200 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = DefaultBatchTimeout
	}
	if c.Logger == nil {
		c.Logger = discardLogger()
	}
	return nil
}

func (c *Config) accepts(key string) bool {
	if c.Filter == "" {
		return true
	}
	ok, _ := doublestar.Match(c.Filter, key)
	return ok
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
