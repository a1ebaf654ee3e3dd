package audit

import (
	"context"

	"go.uber.org/zap"

	"github.com/kubilitics/agent-guardrails/internal/models"
)

// nopLogger discards audit events and forwards application logs to a
// caller-supplied zap logger.
type nopLogger struct {
	app *zap.Logger
}

// NewNopLogger returns a Logger that drops audit events. A nil app logger
// discards application logs too.
func NewNopLogger(app *zap.Logger) Logger {
	if app == nil {
		app = zap.NewNop()
	}
	return nopLogger{app: app}
}

func (n nopLogger) Log(context.Context, *Event) error { return nil }

func (n nopLogger) LogPreFlightBlocked(context.Context, string, string, string, string) error {
	return nil
}

func (n nopLogger) LogViolation(context.Context, *models.SafetyViolation) error { return nil }

func (n nopLogger) LogApprovalCreated(context.Context, *models.ApprovalRequest) error { return nil }

func (n nopLogger) LogApprovalTransition(context.Context, *models.ApprovalRequest) error { return nil }

func (n nopLogger) LogEscalation(context.Context, string, string, []string) error { return nil }

func (n nopLogger) LogBudgetThreshold(context.Context, string, string, float64, float64) error {
	return nil
}

func (n nopLogger) LogConfigChanged(context.Context, string, string, string) error { return nil }

func (n nopLogger) LogEmergencyStop(context.Context, string, string, string) error { return nil }

func (n nopLogger) LogEmergencyStopCleared(context.Context, string, string, int) error { return nil }

func (n nopLogger) AppLogger() *zap.Logger { return n.app }

func (n nopLogger) Sync() error { return nil }

func (n nopLogger) Close() error { return nil }
