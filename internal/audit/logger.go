package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kubilitics/agent-guardrails/internal/models"
)

// Logger defines the interface for audit logging
type Logger interface {
	// Log buffers an audit event
	Log(ctx context.Context, event *Event) error

	// Pre-flight decisions
	LogPreFlightBlocked(ctx context.Context, workspaceID, agentID, sessionID, reason string) error
	LogViolation(ctx context.Context, v *models.SafetyViolation) error

	// Approval lifecycle
	LogApprovalCreated(ctx context.Context, req *models.ApprovalRequest) error
	LogApprovalTransition(ctx context.Context, req *models.ApprovalRequest) error
	LogEscalation(ctx context.Context, workspaceID, reason string, requestIDs []string) error

	// Budget and configuration
	LogBudgetThreshold(ctx context.Context, workspaceID, scopeID string, threshold, percentage float64) error
	LogConfigChanged(ctx context.Context, workspaceID, change, resource string) error
	LogEmergencyStop(ctx context.Context, workspaceID, reason, initiator string) error
	LogEmergencyStopCleared(ctx context.Context, workspaceID, initiator string, removed int) error

	// AppLogger returns the structured application logger
	AppLogger() *zap.Logger

	// Sync flushes buffered log entries
	Sync() error

	// Close closes the audit logger
	Close() error
}

// Config represents audit logger configuration
type Config struct {
	// AuditLogPath is the path to the audit log file
	AuditLogPath string

	// AppLogPath is the path to the application log file. Empty logs to stderr.
	AppLogPath string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int

	// MaxAge is the maximum number of days to retain old log files
	MaxAge int

	// Compress determines if rotated files should be compressed
	Compress bool

	// LogLevel is the minimum log level (debug, info, warn, error)
	LogLevel string

	// Format is json or console for the application log
	Format string

	// FlushInterval is how often buffered audit events are written
	FlushInterval time.Duration
}

// DefaultConfig returns default audit logger configuration
func DefaultConfig() *Config {
	return &Config{
		AuditLogPath:  "logs/audit.log",
		AppLogPath:    "logs/app.log",
		MaxSize:       100, // megabytes
		MaxBackups:    10,
		MaxAge:        30, // days
		Compress:      true,
		LogLevel:      "info",
		Format:        "json",
		FlushInterval: time.Second,
	}
}

const bufferSize = 100

// auditLogger implements the Logger interface
type auditLogger struct {
	appLogger   *zap.Logger
	auditLogger *zap.Logger
	config      *Config
	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
	closeOnce   sync.Once
}

// NewLogger creates a new audit logger
func NewLogger(config *Config) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	level, err := zapcore.ParseLevel(config.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", config.LogLevel, err)
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var appEncoder zapcore.Encoder
	switch config.Format {
	case "", "json":
		appEncoder = zapcore.NewJSONEncoder(encoderConfig)
	case "console":
		appEncoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		return nil, fmt.Errorf("invalid log format %s", config.Format)
	}

	var appSink zapcore.WriteSyncer
	if config.AppLogPath == "" {
		appSink = zapcore.Lock(os.Stderr)
	} else {
		appSink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   config.AppLogPath,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		})
	}
	appLogger := zap.New(zapcore.NewCore(appEncoder, appSink, level),
		zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	// Audit records are append-only and always written at INFO.
	auditRotator := &lumberjack.Logger{
		Filename:   config.AuditLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}
	auditZapLogger := zap.New(zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(auditRotator),
		zapcore.InfoLevel,
	))

	interval := config.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	logger := &auditLogger{
		appLogger:   appLogger,
		auditLogger: auditZapLogger,
		config:      config,
		buffer:      make([]*Event, 0, bufferSize),
		flushTicker: time.NewTicker(interval),
		stopCh:      make(chan struct{}),
	}

	go logger.autoFlush()

	return logger, nil
}

func (l *auditLogger) AppLogger() *zap.Logger { return l.appLogger }

// Log logs an audit event
func (l *auditLogger) Log(ctx context.Context, event *Event) error {
	if event.CorrelationID == "" {
		event.CorrelationID = CorrelationIDFrom(ctx)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.buffer = append(l.buffer, event)
	if len(l.buffer) >= bufferSize {
		return l.flushLocked()
	}
	return nil
}

// flushLocked flushes the buffer (caller must hold lock)
func (l *auditLogger) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}

	for _, event := range l.buffer {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			l.appLogger.Error("failed to marshal audit event",
				zap.Error(err),
				zap.String("event_type", string(event.EventType)),
			)
			continue
		}

		l.auditLogger.Info(string(eventJSON),
			zap.String("correlation_id", event.CorrelationID),
			zap.String("event_type", string(event.EventType)),
			zap.String("result", string(event.Result)),
		)
	}

	l.buffer = l.buffer[:0]
	return nil
}

// autoFlush periodically flushes the buffer
func (l *auditLogger) autoFlush() {
	for {
		select {
		case <-l.flushTicker.C:
			l.mu.Lock()
			_ = l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

func (l *auditLogger) LogPreFlightBlocked(ctx context.Context, workspaceID, agentID, sessionID, reason string) error {
	event := NewEvent(EventPreFlightBlocked).
		WithAgent(workspaceID, agentID, sessionID).
		WithResult(ResultDenied).
		WithDescription(reason)

	return l.Log(ctx, event)
}

func (l *auditLogger) LogViolation(ctx context.Context, v *models.SafetyViolation) error {
	result := ResultDenied
	switch v.Action {
	case models.ViolationWarned:
		result = ResultWarned
	case models.ViolationPendingApproval:
		result = ResultPending
	}
	event := NewEvent(EventViolationRecord).
		WithAgent(v.WorkspaceID, v.AgentID, v.SessionID).
		WithResource(v.Rule.ID, "rule").
		WithAction(string(v.Action)).
		WithResult(result).
		WithMetadata("violation_id", v.ID).
		WithMetadata("category", string(v.Operation.Category)).
		WithMetadata("severity", string(v.Rule.Severity)).
		WithDescription(fmt.Sprintf("Rule %q matched: %s", v.Rule.Name, v.Rule.Message))

	return l.Log(ctx, event)
}

func (l *auditLogger) LogApprovalCreated(ctx context.Context, req *models.ApprovalRequest) error {
	event := NewEvent(EventApprovalCreated).
		WithCorrelationID(req.CorrelationID).
		WithAgent(req.WorkspaceID, req.AgentID, req.SessionID).
		WithResource(req.ID, "approval").
		WithResult(ResultPending).
		WithMetadata("priority", string(req.Priority)).
		WithMetadata("expires_at", req.ExpiresAt).
		WithDescription(fmt.Sprintf("Approval %s requested for %s operation", req.ID, req.Operation.Category))

	return l.Log(ctx, event)
}

var transitionEvents = map[models.ApprovalStatus]struct {
	event  EventType
	result Result
}{
	models.StatusApproved:  {EventApprovalApproved, ResultSuccess},
	models.StatusDenied:    {EventApprovalDenied, ResultDenied},
	models.StatusCancelled: {EventApprovalCancelled, ResultFailure},
	models.StatusExpired:   {EventApprovalExpired, ResultFailure},
}

func (l *auditLogger) LogApprovalTransition(ctx context.Context, req *models.ApprovalRequest) error {
	te, ok := transitionEvents[req.Status]
	if !ok {
		return fmt.Errorf("no audit event for approval status %q", req.Status)
	}
	event := NewEvent(te.event).
		WithCorrelationID(req.CorrelationID).
		WithAgent(req.WorkspaceID, req.AgentID, req.SessionID).
		WithUser(req.DecidedBy).
		WithResource(req.ID, "approval").
		WithResult(te.result).
		WithDescription(fmt.Sprintf("Approval %s %s", req.ID, req.Status))
	if req.DecisionReason != "" {
		event.WithMetadata("reason", req.DecisionReason)
	}
	if req.DecidedAt != nil {
		event.WithDuration(req.DecidedAt.Sub(req.RequestedAt))
	}

	return l.Log(ctx, event)
}

func (l *auditLogger) LogEscalation(ctx context.Context, workspaceID, reason string, requestIDs []string) error {
	event := NewEvent(EventEscalation).
		WithAgent(workspaceID, "", "").
		WithResult(ResultPending).
		WithMetadata("approval_ids", requestIDs).
		WithDescription(reason)

	return l.Log(ctx, event)
}

func (l *auditLogger) LogBudgetThreshold(ctx context.Context, workspaceID, scopeID string, threshold, percentage float64) error {
	event := NewEvent(EventBudgetThreshold).
		WithAgent(workspaceID, "", "").
		WithResource(scopeID, "budget").
		WithResult(ResultWarned).
		WithMetadata("threshold", threshold).
		WithMetadata("percentage", percentage).
		WithDescription(fmt.Sprintf("Budget for %s reached %.1f%% (threshold %.0f%%)", scopeID, percentage, threshold*100))

	return l.Log(ctx, event)
}

func (l *auditLogger) LogConfigChanged(ctx context.Context, workspaceID, change, resource string) error {
	event := NewEvent(EventConfigChanged).
		WithAgent(workspaceID, "", "").
		WithResource(resource, "config").
		WithAction(change).
		WithResult(ResultSuccess).
		WithDescription(fmt.Sprintf("Safety config %s: %s", change, resource))

	return l.Log(ctx, event)
}

func (l *auditLogger) LogEmergencyStop(ctx context.Context, workspaceID, reason, initiator string) error {
	event := NewEvent(EventEmergencyStop).
		WithAgent(workspaceID, "", "").
		WithUser(initiator).
		WithResult(ResultSuccess).
		WithDescription(reason)

	return l.Log(ctx, event)
}

func (l *auditLogger) LogEmergencyStopCleared(ctx context.Context, workspaceID, initiator string, removed int) error {
	event := NewEvent(EventEmergencyStopClear).
		WithAgent(workspaceID, "", "").
		WithUser(initiator).
		WithResult(ResultSuccess).
		WithMetadata("rules_removed", removed).
		WithDescription(fmt.Sprintf("Emergency stop cleared, %d rules removed", removed))

	return l.Log(ctx, event)
}

// Sync flushes buffered log entries
func (l *auditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}
	if err := l.auditLogger.Sync(); err != nil {
		return err
	}
	// stderr cannot be synced on some platforms
	_ = l.appLogger.Sync()
	return nil
}

// Close closes the audit logger. It is safe to call more than once.
func (l *auditLogger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.stopCh)
		l.flushTicker.Stop()
		err = l.Sync()
	})
	return err
}

type correlationKey struct{}

// CorrelationIDFrom extracts the correlation ID from ctx
func CorrelationIDFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}

// WithCorrelationID adds a correlation ID to ctx
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// GenerateCorrelationID generates a new correlation ID
func GenerateCorrelationID() string {
	return uuid.NewString()
}
