package dedupe

// NoOpGroup is a Group implementation that performs no deduplication.
// Every call executes the function immediately. Useful for tests and for
// builds with no task parallelism.
type NoOpGroup struct{}

// NewNoOpGroup creates a new NoOpGroup.
func NewNoOpGroup() *NoOpGroup {
	return &NoOpGroup{}
}

// Do executes fn immediately. shared is always false since no deduplication
// occurs.
func (n *NoOpGroup) Do(key string, fn func() (any, error)) (v any, err error, shared bool) {
	v, err = fn()
	return v, err, false
}
