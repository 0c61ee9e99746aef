package utils

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedLogger(level zapcore.Level) (*Logger, *observer.ObservedLogs) {
	atomicLevel := zap.NewAtomicLevelAt(level)
	core, logs := observer.New(atomicLevel)
	return &Logger{base: zap.New(core), atomicLevel: atomicLevel}, logs
}

func TestContextFieldsAreAttached(t *testing.T) {
	logger, logs := newObservedLogger(zapcore.DebugLevel)
	ctx := ContextWithPhase(ContextWithNodeID(context.Background(), "42"), "election")

	logger.InfoContext(ctx, "leader elected", ZapInt64("leader", 7))
	logger.WarnContext(context.Background(), "no context fields")

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["node_id"] != "42" || fields["phase"] != "election" || fields["leader"] != int64(7) {
		t.Fatalf("unexpected fields %v", fields)
	}
	if _, ok := entries[1].ContextMap()["phase"]; ok {
		t.Fatalf("plain context must not add a phase field")
	}
}

func TestSetLevelFiltersEntries(t *testing.T) {
	logger, logs := newObservedLogger(zapcore.InfoLevel)

	logger.DebugContext(context.Background(), "hidden")
	if err := logger.SetLevel("debug"); err != nil {
		t.Fatalf("set level: %v", err)
	}
	logger.DebugContext(context.Background(), "shown")
	if logger.GetLevel() != "debug" {
		t.Fatalf("expected debug, got %s", logger.GetLevel())
	}
	if err := logger.SetLevel("verbose"); err == nil {
		t.Fatalf("unknown level should fail")
	}

	entries := logs.All()
	if len(entries) != 1 || entries[0].Message != "shown" {
		t.Fatalf("unexpected entries %v", entries)
	}
}

func TestErrorContextCarriesNodeID(t *testing.T) {
	logger, logs := newObservedLogger(zapcore.InfoLevel)
	logger.ErrorContext(ContextWithNodeID(context.Background(), "9"), "node stopped")
	if got := logs.FilterField(zap.String("node_id", "9")).Len(); got != 1 {
		t.Fatalf("expected one entry tagged with node 9, got %d", got)
	}
}
