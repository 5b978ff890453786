package telemetry

import (
	"context"
	"errors"
	"log/slog"
)

// LogSink はイベントを構造化ログとして出力するシンク。
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink は新しいLogSinkを生成する。
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// RecordSecurityEvent はイベントを重大度に応じたレベルで出力する。
func (s *LogSink) RecordSecurityEvent(ctx context.Context, ev SecurityEvent) error {
	level := slog.LevelInfo
	switch ev.Severity {
	case SeverityMedium:
		level = slog.LevelWarn
	case SeverityHigh:
		level = slog.LevelError
	}
	s.logger.Log(ctx, level, "security event",
		"event_id", ev.ID,
		"event_type", ev.EventType,
		"severity", ev.Severity,
		"description", ev.Description,
		"api_key", ev.APIKeyShortID,
		"environment", ev.Environment,
		"ip", ev.IPAddress,
		"method", ev.RequestMethod,
		"url", ev.RequestURL,
		"details", ev.Details,
	)
	return nil
}

// MultiSink は複数のシンクにイベントを配る。
// 一部のシンクが失敗しても残りには配送し、失敗はまとめて返す。
type MultiSink []Sink

// RecordSecurityEvent はすべてのシンクにイベントを渡す。
func (m MultiSink) RecordSecurityEvent(ctx context.Context, ev SecurityEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.RecordSecurityEvent(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
