package dedupe

import "golang.org/x/sync/singleflight"

// SingleflightGroup implements Group with in-memory deduplication via
// golang.org/x/sync/singleflight. This is the right choice when one process
// owns the cache for the duration of the build.
type SingleflightGroup struct {
	group singleflight.Group
}

// NewSingleflightGroup creates a new SingleflightGroup.
func NewSingleflightGroup() *SingleflightGroup {
	return &SingleflightGroup{}
}

// Do executes and returns the results of fn using singleflight.
func (s *SingleflightGroup) Do(key string, fn func() (any, error)) (v any, err error, shared bool) {
	return s.group.Do(key, fn)
}
