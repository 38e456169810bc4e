// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"time"

	"github.com/absmach/eventpipe/event"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/absmach/eventpipe/transport"

var _ Transport = (*Instrumented)(nil)

// Recorder receives delivery outcomes.
type Recorder interface {
	RecordDelivery(ctx context.Context, transport string, events int, duration time.Duration, err error)
}

// Instrumented records every Handle call with a Recorder and a trace span.
type Instrumented struct {
	name     string
	inner    Transport
	recorder Recorder
	tracer   trace.Tracer
}

// NewInstrumented wraps inner. A nil recorder only emits spans.
func NewInstrumented(name string, inner Transport, recorder Recorder) *Instrumented {
	if name == "" {
		name = NameOf(inner)
	}
	return &Instrumented{
		name:     name,
		inner:    inner,
		recorder: recorder,
		tracer:   otel.Tracer(tracerName),
	}
}

func (i *Instrumented) Name() string { return i.name }

func (i *Instrumented) IsUsable() bool { return i.inner.IsUsable() }

func (i *Instrumented) Handle(ctx context.Context, events []event.Event) error {
	ctx, span := i.tracer.Start(ctx, "transport.handle",
		trace.WithAttributes(
			attribute.String("transport.name", i.name),
			attribute.Int("transport.batch_size", len(events)),
		))
	defer span.End()

	start := time.Now()
	err := i.inner.Handle(ctx, events)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	if i.recorder != nil {
		i.recorder.RecordDelivery(ctx, i.name, len(events), time.Since(start), err)
	}

	return err
}
