// ABOUTME: This file defines the telemetry metrics interface for staging transactions
// ABOUTME: covering staged operation counts, per-mutation outcomes, and commit durations

package transaction

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/KevoDB/dataview/pkg/telemetry"
)

// Metrics defines telemetry methods for transaction operations
type Metrics interface {
	// RecordStaged records an operation added to or removed from a transaction
	RecordStaged(ctx context.Context, opType OperationType, trigger Trigger, removed bool)

	// RecordMutation records one executed mutation; err is its outcome
	RecordMutation(ctx context.Context, opType OperationType, duration time.Duration, err error)

	// RecordSkipped records an operation not attempted after an earlier failure
	RecordSkipped(ctx context.Context, opType OperationType)

	// RecordCommit records the end of a commit
	RecordCommit(ctx context.Context, duration time.Duration, status Status, operationCount int, partial bool)

	// RecordCancel records a cancelled transaction
	RecordCancel(ctx context.Context, operationCount int)

	// StartCommitSpan opens a span around a commit
	StartCommitSpan(ctx context.Context, txID string, operationCount int) (context.Context, func())
}

// transactionMetrics implements Metrics using the telemetry package
type transactionMetrics struct {
	tel telemetry.Telemetry
}

// NewMetrics creates a Metrics implementation backed by tel
func NewMetrics(tel telemetry.Telemetry) Metrics {
	return &transactionMetrics{tel: tel}
}

// NewNoopMetrics creates a no-op Metrics for testing/disabled scenarios
func NewNoopMetrics() Metrics {
	return noopMetrics{}
}

func component() attribute.KeyValue {
	return attribute.String(telemetry.AttrComponent, telemetry.ComponentTransaction)
}

// RecordStaged records an operation added to or removed from a transaction
func (m *transactionMetrics) RecordStaged(ctx context.Context, opType OperationType, trigger Trigger, removed bool) {
	name := "dataview.transaction.staged.count"
	if removed {
		name = "dataview.transaction.unstaged.count"
	}
	m.tel.RecordCounter(ctx, name, 1,
		component(),
		attribute.String(telemetry.AttrOperationType, string(opType)),
		attribute.String(telemetry.AttrTrigger, string(trigger)),
	)
}

// RecordMutation records one executed mutation
func (m *transactionMetrics) RecordMutation(ctx context.Context, opType OperationType, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		component(),
		attribute.String(telemetry.AttrOperationType, string(opType)),
		attribute.String(telemetry.AttrOutcome, outcomeOf(err)),
	}
	if err != nil {
		attrs = append(attrs, attribute.String(telemetry.AttrErrorType, errorType(err)))
	}

	m.tel.RecordHistogram(ctx, "dataview.transaction.mutation.duration", duration.Seconds(), attrs...)
	m.tel.RecordCounter(ctx, "dataview.transaction.mutation.count", 1, attrs...)
}

// RecordSkipped records an operation not attempted after an earlier failure
func (m *transactionMetrics) RecordSkipped(ctx context.Context, opType OperationType) {
	m.tel.RecordCounter(ctx, "dataview.transaction.mutation.count", 1,
		component(),
		attribute.String(telemetry.AttrOperationType, string(opType)),
		attribute.String(telemetry.AttrOutcome, telemetry.StatusSkipped),
	)
}

// RecordCommit records the end of a commit
func (m *transactionMetrics) RecordCommit(ctx context.Context, duration time.Duration, status Status, operationCount int, partial bool) {
	m.tel.RecordHistogram(ctx, "dataview.transaction.commit.duration", duration.Seconds(),
		component(),
		attribute.String(telemetry.AttrStatus, status.String()),
		attribute.Bool(telemetry.AttrPartial, partial),
	)
	m.tel.RecordCounter(ctx, "dataview.transaction.commit.operations", int64(operationCount),
		component(),
		attribute.String(telemetry.AttrStatus, status.String()),
	)
}

// RecordCancel records a cancelled transaction
func (m *transactionMetrics) RecordCancel(ctx context.Context, operationCount int) {
	m.tel.RecordCounter(ctx, "dataview.transaction.cancel.count", 1,
		component(),
		attribute.Int("operations", operationCount),
	)
}

// StartCommitSpan opens a span around a commit
func (m *transactionMetrics) StartCommitSpan(ctx context.Context, txID string, operationCount int) (context.Context, func()) {
	spanCtx, span := m.tel.StartSpan(ctx, "dataview.transaction.commit",
		component(),
		attribute.String("transaction.id", txID),
		attribute.Int("operations", operationCount),
	)
	return spanCtx, func() { span.End() }
}

func outcomeOf(err error) string {
	if err != nil {
		return telemetry.StatusError
	}
	return telemetry.StatusSuccess
}

// errorType buckets err for the error.type attribute.
func errorType(err error) string {
	switch {
	case errors.Is(err, ErrMutationPanic), errors.Is(err, errRecoveredPanic):
		return "panic"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "context"
	case errors.Is(err, ErrTransactionExecuting):
		return "executing"
	case errors.Is(err, ErrNoTransaction), errors.Is(err, ErrCannotCommit), errors.Is(err, ErrInvalidState):
		return "state"
	default:
		return "mutation"
	}
}

// noopMetrics provides a no-op implementation for testing/disabled scenarios
type noopMetrics struct{}

func (noopMetrics) RecordStaged(context.Context, OperationType, Trigger, bool)          {}
func (noopMetrics) RecordMutation(context.Context, OperationType, time.Duration, error) {}
func (noopMetrics) RecordSkipped(context.Context, OperationType)                        {}
func (noopMetrics) RecordCommit(context.Context, time.Duration, Status, int, bool)      {}
func (noopMetrics) RecordCancel(context.Context, int)                                   {}
func (noopMetrics) StartCommitSpan(ctx context.Context, _ string, _ int) (context.Context, func()) {
	return ctx, func() {}
}
