package monitoring

import (
	"context"

	"managed-kvstore/internal/kv"
	"managed-kvstore/internal/logging"
)

// LogListener writes every store operation through the structured logger.
// Failures are always logged; successes only with database logging enabled.
type LogListener struct {
	logger *logging.Logger
}

func NewLogListener(logger *logging.Logger) *LogListener {
	return &LogListener{logger: logger.WithComponent("store")}
}

func (l *LogListener) Report(s kv.Stat) {
	l.logger.StoreOperation(context.Background(), s.Store, s.Op, s.Count, s.Elapsed, s.Err)
}
