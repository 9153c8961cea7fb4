// Package diag collects extension error reports and maintains the
// active-extension snapshot handed to the crash reporter. Both live behind
// process-wide defaults so host code and the service reach the same
// instances without plumbing.
package diag

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// AlertFunc is invoked for reports that request user attention.
type AlertFunc func(message string)

// Reporter accumulates extension load and install failures. The last reports
// stay available for host UI surfaces until cleared.
type Reporter struct {
	mu      sync.Mutex
	reports []string
	alert   AlertFunc
}

// NewReporter creates a reporter. alert may be nil.
func NewReporter(alert AlertFunc) *Reporter {
	return &Reporter{alert: alert}
}

// ReportError records a failure. When alertOnError is set and the reporter
// has an alert callback, the message is surfaced immediately.
func (r *Reporter) ReportError(message string, alertOnError bool) {
	log.Error().Str("detail", message).Msg("extension error")

	r.mu.Lock()
	r.reports = append(r.reports, message)
	alert := r.alert
	r.mu.Unlock()

	if alertOnError && alert != nil {
		alert(message)
	}
}

// Errors returns a copy of the accumulated reports.
func (r *Reporter) Errors() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.reports...)
}

// ClearErrors drops the accumulated reports.
func (r *Reporter) ClearErrors() {
	r.mu.Lock()
	r.reports = nil
	r.mu.Unlock()
}

func defaultReporter() *atomic.Value {
	v := &atomic.Value{}
	v.Store(NewReporter(nil))
	return v
}

var globalReporter = defaultReporter()

// SetReporter replaces the process-wide reporter instance.
func SetReporter(r *Reporter) {
	globalReporter.Store(r)
}

// GetReporter retrieves the process-wide reporter instance.
func GetReporter() *Reporter {
	return globalReporter.Load().(*Reporter)
}
