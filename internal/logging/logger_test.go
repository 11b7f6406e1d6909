package logging

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		valid  bool
	}{
		{
			name: "valid json config",
			config: Config{
				Level:  "info",
				Format: "json",
			},
			valid: true,
		},
		{
			name: "valid console config",
			config: Config{
				Level:  "debug",
				Format: "console",
			},
			valid: true,
		},
		{
			name: "invalid level",
			config: Config{
				Level:  "invalid",
				Format: "json",
			},
			valid: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.config)
			if tt.valid {
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
				if logger == nil {
					t.Error("Expected logger to be created")
				}
			} else {
				if err == nil {
					t.Error("Expected error for invalid config")
				}
			}
		})
	}
}

func TestLoggerWithTrace(t *testing.T) {
	logger, err := NewLogger(Config{
		Level:  "debug",
		Format: "json",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	tracer := otel.Tracer("test")
	ctx, span := tracer.Start(context.Background(), "test-operation")
	defer span.End()

	logger.Info(ctx, "test message", zap.String("key", "value"))
	logger.Debug(ctx, "debug message")
	logger.Warn(ctx, "warning message")
	logger.Error(ctx, "error message")

	childLogger := logger.With(zap.String("component", "test"))
	childLogger.Info(ctx, "child logger message")
}

func TestExtractTraceFields(t *testing.T) {
	fields := extractTraceFields(context.Background())
	if fields != nil {
		t.Error("Expected no fields for empty context")
	}
}

func TestGetWriteSyncer(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"default", ""},
		{"stdout", "stdout"},
		{"stderr", "stderr"},
		{"file", "/tmp/test.log"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			syncer := getWriteSyncer(tt.path)
			if syncer == nil {
				t.Error("Expected WriteSyncer to be created")
			}
		})
	}
}
