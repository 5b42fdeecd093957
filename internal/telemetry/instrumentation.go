package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// CARDINALITY:
//
// Attributes recorded on spans and metrics must come from bounded sets.
// Source names, operation names and outcome values are safe. Asset keys,
// destination paths, URLs and error messages are not; they belong in logs
// and in the span status.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation runs fn inside a span named operationName.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, operationName)

	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)

	status := "success"
	if err != nil {
		status = "error"

		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", time.Since(start).Seconds()),
	)

	return err
}

// InstrumentDBOperation instruments ledger operations.
func (t *Telemetry) InstrumentDBOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "db_"+operation, "database", fn)

	status := "success"
	if err != nil {
		status = "error"
	}

	t.RecordDBOperation(operation, status, time.Since(start))

	return err
}

// InstrumentDownload instruments one asset download across all of its candidates.
func (t *Telemetry) InstrumentDownload(ctx context.Context, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()

	t.IncrementActiveDownloads()
	defer t.DecrementActiveDownloads()

	err := t.InstrumentOperation(ctx, "download", "downloader", fn)

	status := "success"
	if err != nil {
		status = "error"
	}

	t.RecordDownload(status, time.Since(start))

	return err
}

// InstrumentCandidate wraps one transfer attempt against a single source.
// The attempt outcome is recorded by the caller through RecordCandidateAttempt
// since only it can classify the error.
func (t *Telemetry) InstrumentCandidate(ctx context.Context, source string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	return t.InstrumentOperation(ctx, "candidate_transfer", "transfer", func(ctx context.Context) error {
		ctx, span := t.tracer.Start(ctx, "candidate_"+source)
		defer span.End()

		span.SetAttributes(attribute.String("source", source))

		return fn(ctx)
	})
}

// InstrumentProbe wraps a speed probe of one source in a span.
func (t *Telemetry) InstrumentProbe(ctx context.Context, source string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	return t.InstrumentOperation(ctx, "probe", "probe", func(ctx context.Context) error {
		ctx, span := t.tracer.Start(ctx, "probe_"+source)
		defer span.End()

		span.SetAttributes(attribute.String("source", source))

		return fn(ctx)
	})
}
