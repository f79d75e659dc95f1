// Package dedupe collapses concurrent executions keyed by cache key. The
// resolver uses a Group to make sure N parallel tasks missing locally on the
// same key download it from the remote cache once.
package dedupe

// Group deduplicates concurrent requests: only one execution is in-flight
// for a given key at a time.
type Group interface {
	// Do executes fn, making sure only one execution is in-flight for key
	// at a time. Duplicate callers wait for the original and receive the
	// same results. shared reports whether v was given to multiple callers.
	Do(key string, fn func() (any, error)) (v any, err error, shared bool)
}
