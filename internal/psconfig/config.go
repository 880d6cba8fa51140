// Package psconfig resolves engine initialization options. An explicit
// value supplied by the caller always wins; otherwise a documented
// default applies.
package psconfig

import "time"

// ConflictStrategyKind enumerates the four conflict-resolution policies.
type ConflictStrategyKind string

const (
	LastWriteWins ConflictStrategyKind = "last_write_wins"
	ServerWins    ConflictStrategyKind = "server_wins"
	ClientWins    ConflictStrategyKind = "client_wins"
	Custom        ConflictStrategyKind = "custom"
)

// Options are supplied by the host application at Initialize time.
// Pointer fields distinguish "not set" (nil, default applies) from an
// explicit zero value, mirroring syncconfig.AutoSyncConfig.
type Options struct {
	ProjectID string
	AuthToken string
	ServerURL string
	UserID    string // may be set later via set_user_id

	ConflictStrategy ConflictStrategyKind

	DebounceInterval *time.Duration
	MaxBatchSize     *int
	RetentionWindow  *time.Duration
	QueueHardCap     *int
	Verbose          bool
}

// Resolved holds the fully defaulted configuration used internally.
type Resolved struct {
	ProjectID        string
	AuthToken        string
	ServerURL        string
	UserID           string
	ConflictStrategy ConflictStrategyKind
	DebounceInterval time.Duration
	MaxBatchSize     int
	RetentionWindow  time.Duration
	QueueHardCap     int
	Verbose          bool
}

// Defaults applied when the caller leaves an option unset.
const (
	DefaultDebounceInterval = 3 * time.Second
	DefaultMaxBatchSize     = 1000
	DefaultRetentionWindow  = 7 * 24 * time.Hour
	DefaultQueueHardCap     = 10000
)

// Resolve fills in defaults for any option the caller left unset.
func Resolve(opts Options) Resolved {
	r := Resolved{
		ProjectID:        opts.ProjectID,
		AuthToken:        opts.AuthToken,
		ServerURL:        opts.ServerURL,
		UserID:           opts.UserID,
		ConflictStrategy: opts.ConflictStrategy,
		DebounceInterval: DefaultDebounceInterval,
		MaxBatchSize:     DefaultMaxBatchSize,
		RetentionWindow:  DefaultRetentionWindow,
		QueueHardCap:     DefaultQueueHardCap,
		Verbose:          opts.Verbose,
	}
	if r.ConflictStrategy == "" {
		r.ConflictStrategy = LastWriteWins
	}
	if opts.DebounceInterval != nil {
		r.DebounceInterval = *opts.DebounceInterval
	}
	if opts.MaxBatchSize != nil {
		r.MaxBatchSize = *opts.MaxBatchSize
	}
	if opts.RetentionWindow != nil {
		r.RetentionWindow = *opts.RetentionWindow
	}
	if opts.QueueHardCap != nil {
		r.QueueHardCap = *opts.QueueHardCap
	}
	return r
}
