// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"log/slog"

	"github.com/absmach/eventpipe/event"
)

var _ Transport = (*Debug)(nil)

// Debug logs every batch and always succeeds.
type Debug struct {
	logger *slog.Logger
	level  slog.Level
}

// NewDebug creates a Debug transport logging at level.
func NewDebug(logger *slog.Logger, level slog.Level) *Debug {
	if logger == nil {
		logger = slog.Default()
	}
	return &Debug{logger: logger, level: level}
}

func (d *Debug) Name() string { return "debug" }

func (d *Debug) IsUsable() bool { return true }

func (d *Debug) Handle(ctx context.Context, events []event.Event) error {
	if len(events) == 0 {
		return ErrEmptyBatch
	}

	for _, ev := range events {
		d.logger.Log(ctx, d.level, "event",
			slog.String("name", ev.Name()),
			slog.String("id", ev.ID()),
			slog.Int("location_depth", len(ev.LocationStack())),
			slog.Int("global_contexts", len(ev.GlobalContexts())))
	}
	return nil
}
