// Package diag deduplicates recoverable warnings for the lifetime of the process.
package diag

import (
	"sync"

	"go.uber.org/zap"
)

// shown is shared by every Reporter so a message is printed at most once per
// process, no matter how many runtimes hit it.
var shown sync.Map

// Reporter emits warn-once diagnostics through a zap logger.
type Reporter struct {
	log *zap.Logger
}

// New returns a Reporter writing to log. A nil log discards output but still
// records which messages were seen.
func New(log *zap.Logger) *Reporter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reporter{log: log}
}

// WarnOnce logs msg at warn level the first time it is seen and reports
// whether it was logged.
func (r *Reporter) WarnOnce(msg string, fields ...zap.Field) bool {
	if _, loaded := shown.LoadOrStore(msg, struct{}{}); loaded {
		return false
	}
	r.log.Warn(msg, fields...)
	return true
}

// Seen reports whether msg has already been emitted.
func Seen(msg string) bool {
	_, ok := shown.Load(msg)
	return ok
}
