// Package logging builds the zap logger and reports coin operations through it.
package logging

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/storycoins/pkg/coins"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const defaultLevel = "info"

// New returns a production zap logger at the given level.
func New(level string) (*zap.Logger, error) {
	if strings.TrimSpace(level) == "" {
		level = defaultLevel
	}
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(parsed)
	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	return logger, nil
}

// OperationLogger implements coins.OperationLogger with structured zap fields.
type OperationLogger struct {
	logger *zap.Logger
}

// NewOperationLogger wraps logger. A nil logger discards entries.
func NewOperationLogger(logger *zap.Logger) *OperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperationLogger{logger: logger.Named("coins")}
}

// LogOperation writes one line per operation; failures are logged at warn.
func (operationLogger *OperationLogger) LogOperation(_ context.Context, entry coins.OperationLog) {
	fields := make([]zap.Field, 0, 9)
	fields = append(fields,
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	)
	if entry.Outcome != "" {
		fields = append(fields, zap.String("outcome", entry.Outcome))
	}
	if accountID := entry.AccountID.String(); accountID != "" {
		fields = append(fields, zap.String("account_id", accountID))
	}
	if chapterID := entry.ChapterID.String(); chapterID != "" {
		fields = append(fields, zap.String("chapter_id", chapterID))
	}
	if orderRef := entry.OrderRef.String(); orderRef != "" {
		fields = append(fields, zap.String("order_ref", orderRef))
	}
	if key := entry.IdempotencyKey.String(); key != "" {
		fields = append(fields, zap.String("idempotency_key", key))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Warn("coin operation failed", fields...)
		return
	}
	operationLogger.logger.Info("coin operation", fields...)
}
