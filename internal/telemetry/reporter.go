package telemetry

// Reporter ships registry snapshots to one monitoring backend. Pull
// reporters serve the snapshot on demand; push reporters ship it on an
// interval.
type Reporter interface {
	Start() error
	// Must be idempotent and non-blocking. Use Wait() to block until shutdown is complete.
	Shutdown() error
	Wait()
	Release() error
}
