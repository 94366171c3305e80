package actions

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/labctl/pkg/engine"
	"github.com/openfroyo/labctl/pkg/telemetry"
)

// Instrumented decorates an ActionInvoker with metrics, tracing and logging.
type Instrumented struct {
	next    engine.ActionInvoker
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	logger  zerolog.Logger
}

var _ engine.ActionInvoker = (*Instrumented)(nil)

// NewInstrumented wraps next. metrics and tracer may be nil.
func NewInstrumented(next engine.ActionInvoker, metrics *telemetry.Metrics, tracer *telemetry.Tracer, logger zerolog.Logger) *Instrumented {
	return &Instrumented{
		next:    next,
		metrics: metrics,
		tracer:  tracer,
		logger:  logger.With().Str("component", "actions").Logger(),
	}
}

// Invoke calls the wrapped invoker.
func (i *Instrumented) Invoke(ctx context.Context, name string, payload map[string]interface{}) (engine.ActionResult, error) {
	var span trace.Span
	if i.tracer != nil {
		ctx, span = i.tracer.StartActionSpan(ctx, name)
	}

	start := time.Now()
	result, err := i.next.Invoke(ctx, name, payload)
	duration := time.Since(start)

	if span != nil {
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			span.SetAttributes(telemetry.AttrStatusCode.Int(result.StatusCode))
			telemetry.RecordSuccess(span)
		}
		span.End()
	}
	if i.metrics != nil {
		i.metrics.RecordAction(name, result, err, duration)
	}

	ev := i.logger.Debug()
	if err != nil {
		ev = i.logger.Warn().Err(err)
	}
	ev.Str("action", name).
		Int("status_code", result.StatusCode).
		Dur("duration", duration).
		Msg("Action invoked")

	return result, err
}
