package diag

import (
	"sort"
	"sync/atomic"
)

// The crash reporter reads the enabled-extension snapshot when building a
// crash report; it gives context only and never drives behavior.

func emptySnapshot() *atomic.Value {
	v := &atomic.Value{}
	v.Store([]string{})
	return v
}

var activeExtensions = emptySnapshot()

// SetActiveExtensions replaces the snapshot with the given identifier set.
func SetActiveExtensions(ids []string) {
	snapshot := append([]string(nil), ids...)
	sort.Strings(snapshot)
	activeExtensions.Store(snapshot)
}

// ActiveExtensions returns the current snapshot, sorted.
func ActiveExtensions() []string {
	return append([]string(nil), activeExtensions.Load().([]string)...)
}
