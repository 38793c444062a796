// Package testutil provides small shared helpers for component tests.
package testutil

import (
	"testing"

	"go.uber.org/zap"
)

// NewTestLogger creates a development logger for use in tests.
func NewTestLogger(t *testing.T) *zap.Logger {
	t.Helper()
	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("failed to create test logger: %v", err)
	}
	return logger
}
