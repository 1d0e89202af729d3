package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry combines logging, tracing, metrics and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	return newTelemetry(cfg, logger)
}

// NewTelemetryWithLogger creates a telemetry instance around an existing
// logger.
func NewTelemetryWithLogger(cfg *Config, logger *Logger) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newTelemetry(cfg, logger)
}

func newTelemetry(cfg *Config, logger *Logger) (*Telemetry, error) {
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context, or
// nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown stops every component, events first.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
		t.Metrics.Shutdown(ctx),
	)
}

// StartMetricsServer starts the metrics HTTP server if one is configured.
func (t *Telemetry) StartMetricsServer(errc chan<- error) {
	t.Metrics.StartMetricsServer(errc)
}

// InstrumentedContext bundles the span, logger and timer of one operation.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartOperation begins an instrumented operation with logging, tracing, and timing.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &InstrumentedContext{
			Ctx:    ctx,
			Logger: FromContext(ctx),
			Timer:  NewTimer(),
		}
	}

	spanCtx, span := tel.Tracer.StartSpan(ctx, operation, attrs...)

	logger := FromContext(ctx).WithField("operation", operation)
	if span.SpanContext().IsValid() {
		logger = logger.WithFields(map[string]interface{}{
			"trace_id": span.SpanContext().TraceID().String(),
			"span_id":  span.SpanContext().SpanID().String(),
		})
	}

	return &InstrumentedContext{
		Ctx:    logger.WithContext(spanCtx),
		Span:   span,
		Logger: logger,
		Timer:  NewTimer(),
	}
}

// End finishes the instrumented operation, recording success or failure.
func (ic *InstrumentedContext) End(err error) {
	if ic.Span == nil {
		return
	}
	if err != nil {
		RecordError(ic.Span, err)
	} else {
		RecordSuccess(ic.Span)
	}
	ic.Span.End()
}

// scope is the span and timer of an execution or phase, kept in the context
// until the matching End call.
type scope struct {
	span  trace.Span
	timer *Timer
}

type executionScopeKey struct{}

type phaseScopeKey struct{}

// WithExecutionContext opens the telemetry scope of a plan execution.
func WithExecutionContext(ctx context.Context, sessionID, profileID string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	spanCtx, span := tel.Tracer.StartExecutionSpan(ctx, sessionID, profileID)
	logger := FromContext(ctx).WithSessionID(sessionID).WithProfileID(profileID)
	spanCtx = logger.WithContext(spanCtx)

	tel.Metrics.RecordExecutionStarted()
	_ = tel.Events.PublishExecutionStarted(sessionID, profileID)

	return context.WithValue(spanCtx, executionScopeKey{}, &scope{span: span, timer: NewTimer()})
}

// EndExecutionContext closes the scope opened by WithExecutionContext.
// outcome is "succeeded", "rolled_back" or "rollback_incomplete".
func EndExecutionContext(ctx context.Context, sessionID, profileID, outcome string, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	var duration time.Duration
	if s, ok := ctx.Value(executionScopeKey{}).(*scope); ok {
		duration = s.timer.Duration()
		if err != nil {
			RecordError(s.span, err)
		} else {
			RecordSuccess(s.span)
		}
		s.span.End()
	}

	tel.Metrics.RecordExecutionCompleted(outcome, duration)
	if err != nil {
		_ = tel.Events.PublishExecutionFailed(sessionID, profileID, outcome, err.Error())
	} else {
		_ = tel.Events.PublishExecutionCompleted(sessionID, profileID, duration)
	}
}

// WithPhaseContext opens the telemetry scope of one phase.
func WithPhaseContext(ctx context.Context, sessionID, phase string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	spanCtx, span := tel.Tracer.StartPhaseSpan(ctx, sessionID, phase)
	spanCtx = FromContext(ctx).WithPhase(phase).WithContext(spanCtx)
	return context.WithValue(spanCtx, phaseScopeKey{}, &scope{span: span, timer: NewTimer()})
}

// EndPhaseContext closes the scope opened by WithPhaseContext.
func EndPhaseContext(ctx context.Context, sessionID, phase string, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	s, ok := ctx.Value(phaseScopeKey{}).(*scope)
	if !ok {
		return
	}
	duration := s.timer.Duration()
	if err != nil {
		RecordError(s.span, err)
	} else {
		RecordSuccess(s.span)
	}
	s.span.End()

	tel.Metrics.RecordPhase(phase, duration)
	_ = tel.Events.PublishPhaseCompleted(sessionID, phase, duration, err)
}

// RecordPlan records a computed plan. failureCode is empty on success.
func RecordPlan(ctx context.Context, planID, profileID, kind string, operands int, duration time.Duration, failureCode string) {
	AddEvent(ctx, "plan.computed",
		AttrPlanKind.String(kind),
		AttrOperands.Int(operands),
		AttrErrorCode.String(failureCode),
	)

	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}
	tel.Metrics.RecordPlan(kind, failureCode, duration)
	if failureCode != "" {
		_ = tel.Events.PublishPlanFailed(planID, profileID, failureCode)
	} else {
		_ = tel.Events.PublishPlanComputed(planID, profileID, kind, operands)
	}
}

// RecordAction records one touchpoint action.
func RecordAction(ctx context.Context, phase, action string, duration time.Duration, err error) {
	if err != nil {
		AddEvent(ctx, "action.failed", AttrAction.String(action))
	}
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}
	tel.Metrics.RecordAction(phase, action, duration, err)
}

// RecordRollbackStarted records the start of a rollback of steps actions.
func RecordRollbackStarted(ctx context.Context, sessionID string, steps int) {
	AddEvent(ctx, "rollback.started", AttrSessionID.String(sessionID))
	if tel := FromTelemetryContext(ctx); tel != nil {
		_ = tel.Events.PublishRollbackStarted(sessionID, steps)
	}
}

// RecordRollback records the outcome of a rollback.
func RecordRollback(ctx context.Context, sessionID string, undone int, err error) {
	name := "rollback.completed"
	if err != nil {
		name = "rollback.incomplete"
	}
	AddEvent(ctx, name, AttrSessionID.String(sessionID), AttrUndone.Int(undone))

	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}
	tel.Metrics.RecordRollback(undone, err)
	_ = tel.Events.PublishRollbackFinished(sessionID, undone, err)
}

// RecordCommit records a profile commit.
func RecordCommit(ctx context.Context, profileID string, timestamp int64, err error) {
	if err == nil {
		AddEvent(ctx, "profile.committed", AttrProfileID.String(profileID), AttrTimestamp.Int64(timestamp))
	}
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}
	tel.Metrics.RecordCommit(err)
	if err == nil {
		_ = tel.Events.PublishProfileCommitted(profileID, timestamp)
	}
}

// RecordPolicyDenial records a plan rejected by a policy.
func RecordPolicyDenial(ctx context.Context, planID, profileID, policy, reason string) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}
	tel.Metrics.RecordPolicyDenial(policy)
	_ = tel.Events.PublishPolicyViolation(planID, profileID, policy, reason)
}

// RecordRepositoryChange records a repository (re)load.
func RecordRepositoryChange(ctx context.Context, location string, units int) {
	AddEvent(ctx, "repository.loaded", AttrRepository.String(location))
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}
	tel.Metrics.SetRepositoryUnits(location, units)
	_ = tel.Events.PublishRepositoryChanged(location, units)
}
