// Package service runs Kestrel's application operations: it gathers inputs
// from the collaborators, calls the engine and persists, caches and
// publishes the results.
package service

import (
	"context"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("kestrel/service")

// Clock supplies the evaluation time.
type Clock func() time.Time

func utcNow() time.Time { return time.Now().UTC() }

// publish sends an event and logs, never returns, a failure.
// Events are notifications; the persisted record is the source of truth.
func publish(ctx context.Context, b domain.EventBus, topic string, event any) {
	if b == nil {
		return
	}
	if err := bus.PublishJSON(ctx, b, topic, event); err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("failed to publish event")
	}
}

// endSpan records err on span and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
