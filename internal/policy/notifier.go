package policy

import (
	"context"

	"go.uber.org/zap"

	"github.com/pitabwire/slatrack/internal/observability"
)

// Notifier delivers a violation notice when a notify step has no callback.
type Notifier interface {
	Notify(ctx context.Context, v Violation) error
}

// LogNotifier writes violation notices to the structured log.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier that logs at warn level.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger.Named("notifier")}
}

// Notify logs the violation.
func (n *LogNotifier) Notify(_ context.Context, v Violation) error {
	fields := append(observability.RecordFields(v.Record),
		zap.String("model", v.Record.Model),
		zap.String("owner_id", v.Record.OwnerID),
		zap.Int("sla_hours", v.Step.SLAHours),
		zap.Float64("overdue_hours", v.OverdueHours()),
	)
	n.logger.Warn("sla violated", fields...)
	return nil
}
