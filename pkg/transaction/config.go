package transaction

import "time"

// Config controls how a transaction is committed.
type Config struct {
	// Enabled turns staging on. With staging off every operation commits as soon as it is added.
	Enabled bool

	// AutoCommit commits after every add
	AutoCommit bool

	// RequireConfirmation asks the UI to show a review step before commit.
	// The manager only carries the flag; Review moves the transaction to reviewing.
	RequireConfirmation bool

	// AllowPartialSuccess attempts every operation even after failures
	AllowPartialSuccess bool

	// EmitActivities hands audit records to the manager's activity sink
	EmitActivities bool

	// MaxPendingOperations commits once the transaction holds this many operations (0 = unlimited)
	MaxPendingOperations int

	// Timeout commits this long after the most recent add (0 = never)
	Timeout time.Duration
}

// DefaultConfig returns the defaults used by managers that were not given any.
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		RequireConfirmation: true,
		EmitActivities:      true,
	}
}

// ConfigOption overrides one field of a manager's default Config for a single transaction.
type ConfigOption func(*Config)

// WithEnabled overrides Enabled.
func WithEnabled(enabled bool) ConfigOption {
	return func(c *Config) { c.Enabled = enabled }
}

// WithAutoCommit overrides AutoCommit.
func WithAutoCommit(enabled bool) ConfigOption {
	return func(c *Config) { c.AutoCommit = enabled }
}

// WithRequireConfirmation overrides RequireConfirmation.
func WithRequireConfirmation(enabled bool) ConfigOption {
	return func(c *Config) { c.RequireConfirmation = enabled }
}

// WithAllowPartialSuccess overrides AllowPartialSuccess.
func WithAllowPartialSuccess(enabled bool) ConfigOption {
	return func(c *Config) { c.AllowPartialSuccess = enabled }
}

// WithEmitActivities overrides EmitActivities.
func WithEmitActivities(enabled bool) ConfigOption {
	return func(c *Config) { c.EmitActivities = enabled }
}

// WithMaxPendingOperations overrides MaxPendingOperations.
func WithMaxPendingOperations(n int) ConfigOption {
	return func(c *Config) { c.MaxPendingOperations = n }
}

// WithTimeout overrides Timeout.
func WithTimeout(d time.Duration) ConfigOption {
	return func(c *Config) { c.Timeout = d }
}

// merge applies opts over a copy of c.
func (c Config) merge(opts []ConfigOption) Config {
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// commitDecision is what should happen after an operation was staged.
type commitDecision int

const (
	commitNone commitDecision = iota
	commitNow
	commitDeferred
)

// autoCommitDecision is the post-add check. It has no side effects; the
// scheduler acts on its answer.
func (c Config) autoCommitDecision(pending int) commitDecision {
	switch {
	case !c.Enabled, c.AutoCommit:
		return commitNow
	case c.MaxPendingOperations > 0 && pending >= c.MaxPendingOperations:
		return commitNow
	case c.Timeout > 0:
		return commitDeferred
	default:
		return commitNone
	}
}
