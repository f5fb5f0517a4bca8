package telemetry

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/converge/pkg/engine"
)

// Telemetry bundles the logger, tracer and metrics of one converge process.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Config  *Config
}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Config:  cfg,
	}, nil
}

// Shutdown flushes traces and closes the log file.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.Tracer.Shutdown(ctx), t.Logger.Close())
}

// Observer returns an engine.Observer that logs, traces and counts every
// run and resource. host names the converged machine in logs and spans.
func (t *Telemetry) Observer(host string) *Observer {
	return &Observer{
		logger:  t.Logger.NewComponentLogger("runner").WithField("host", host),
		tracer:  t.Tracer,
		metrics: t.Metrics,
		host:    host,
	}
}

// Observer reports runner progress to telemetry.
type Observer struct {
	logger  *Logger
	tracer  *Tracer
	metrics *Metrics
	host    string

	mu           sync.Mutex
	runSpan      trace.Span
	resourceSpan trace.Span
}

var _ engine.Observer = (*Observer)(nil)

// RunStarted implements engine.Observer.
func (o *Observer) RunStarted(ctx context.Context, run *engine.Run) context.Context {
	ctx, span := o.tracer.StartRunSpan(ctx, run)
	span.SetAttributes(AttrTargetHost.String(o.host))

	o.mu.Lock()
	o.runSpan = span
	o.mu.Unlock()

	o.logger.WithRunID(run.ID).zlog.Info().
		Str("source", run.Source).
		Int("resources", run.Total).
		Msg("run started")
	return o.logger.WithRunID(run.ID).WithContext(ctx)
}

// ResourceStarted implements engine.Observer.
func (o *Observer) ResourceStarted(ctx context.Context, run *engine.Run, d engine.ResourceDescriptor) context.Context {
	ctx, span := o.tracer.StartResourceSpan(ctx, d)

	o.mu.Lock()
	o.resourceSpan = span
	o.mu.Unlock()

	o.logger.WithRunID(run.ID).WithResource(d).Debug("converging resource")
	return ctx
}

// ResourceFinished implements engine.Observer.
func (o *Observer) ResourceFinished(_ context.Context, run *engine.Run, result *engine.ExecutionResult) {
	o.metrics.RecordResource(result)

	o.mu.Lock()
	span := o.resourceSpan
	o.resourceSpan = nil
	o.mu.Unlock()

	if span != nil {
		span.SetAttributes(AttrOutcome.String(string(result.Outcome)))
		if result.Error != nil {
			span.SetAttributes(AttrErrorKind.String(string(result.Error.Kind)))
			RecordError(span, result.Error)
		} else {
			RecordSuccess(span)
		}
		span.End()
	}

	logger := o.logger.WithRunID(run.ID).WithResource(result.Descriptor)
	event := logger.zlog.Info()
	if result.Error != nil {
		event = logger.zlog.Error().Str("error_kind", string(result.Error.Kind)).Err(result.Error)
	}
	event.Str("outcome", string(result.Outcome)).
		Dur("duration", result.Duration).
		Msg("resource finished")
}

// RunFinished implements engine.Observer.
func (o *Observer) RunFinished(_ context.Context, run *engine.Run) {
	o.metrics.RecordRun(run)

	o.mu.Lock()
	span := o.runSpan
	o.runSpan = nil
	o.mu.Unlock()

	if span != nil {
		span.SetAttributes(AttrRunStatus.String(string(run.Status)))
		if run.Status == engine.RunStatusSucceeded {
			RecordSuccess(span)
		} else {
			span.SetStatus(codes.Error, string(run.Status))
		}
		span.End()
	}

	summary := run.Summary()
	event := o.logger.WithRunID(run.ID).zlog.Info()
	if run.Status != engine.RunStatusSucceeded {
		event = o.logger.WithRunID(run.ID).zlog.Warn()
	}
	event.Str("status", string(run.Status)).
		Int("applied", summary.Applied).
		Int("already_converged", summary.AlreadyConverged).
		Int("failed", summary.Failed).
		Int("not_reached", summary.NotReached).
		Dur("duration", run.Duration()).
		Msg("run finished")
}
