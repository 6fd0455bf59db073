// Package logging includes tests for the zap logger helpers.
package logging

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// TestNewDevelopmentLogger confirms the development logger builds and logs.
func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(true)
	if err != nil {
		t.Fatalf("New(true) error = %v", err)
	}
	if logger == nil {
		t.Fatal("expected logger to be non-nil")
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("development logger ready")
}

// TestNewProductionLogger ensures the production logger configuration succeeds.
func TestNewProductionLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(false, zap.Fields(zap.String("service", "citefetch")))
	if err != nil {
		t.Fatalf("New(false) error = %v", err)
	}
	if logger == nil {
		t.Fatal("expected logger to be non-nil")
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("production logger ready")
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	stored := zap.New(core)
	ctx := WithContext(context.Background(), stored)

	FromContext(ctx, zap.NewNop()).Info("from context")
	if logs.FilterMessage("from context").Len() != 1 {
		t.Fatal("expected stored logger to be returned")
	}

	fallbackCore, fallbackLogs := observer.New(zap.InfoLevel)
	FromContext(context.Background(), zap.New(fallbackCore)).Info("fallback")
	if fallbackLogs.FilterMessage("fallback").Len() != 1 {
		t.Fatal("expected fallback logger when context has none")
	}

	if FromContext(context.Background(), nil) == nil {
		t.Fatal("expected a no-op logger, got nil")
	}
}
