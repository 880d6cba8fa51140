// Package pserrors defines the sync engine's error taxonomy.
package pserrors

import "errors"

// Sentinel errors for the engine's error taxonomy. Wrap with fmt.Errorf's
// %w verb at the call site and test with errors.Is.
var (
	// ErrTransport covers network-unreachable, 5xx, and timeout failures.
	// Retried with backoff; surfaced to the application only after the
	// circuit breaker opens.
	ErrTransport = errors.New("pocketsync: transport error")

	// ErrAuth covers 401/403 responses. Not retried; surfaced immediately
	// and the scheduler pauses.
	ErrAuth = errors.New("pocketsync: auth error")

	// ErrConflict is raised only by custom resolvers that explicitly
	// signal an unresolvable conflict. The change log is not recorded as
	// applied and is retried on the next pass.
	ErrConflict = errors.New("pocketsync: conflict error")

	// ErrSchema is fatal at initialization; augmentation fails atomically.
	ErrSchema = errors.New("pocketsync: schema error")

	// ErrStorage covers embedded-DB failures during capture or apply.
	ErrStorage = errors.New("pocketsync: storage error")
)
