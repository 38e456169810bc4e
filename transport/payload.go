// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/absmach/eventpipe/event"
)

// Batch is the body network adapters send to collectors and the ingest
// endpoint accepts.
type Batch struct {
	Events []event.Event `json:"events"`
	// TransportTime is the send time in Unix milliseconds.
	TransportTime int64 `json:"transport_time,omitempty"`
}

// NewBatch stamps events with sentAt.
func NewBatch(events []event.Event, sentAt time.Time) Batch {
	return Batch{Events: events, TransportTime: sentAt.UnixMilli()}
}

// Encode writes the batch as JSON to w.
func (b Batch) Encode(w io.Writer) error {
	if len(b.Events) == 0 {
		return ErrEmptyBatch
	}
	if err := json.NewEncoder(w).Encode(b); err != nil {
		return fmt.Errorf("failed to encode batch: %w", err)
	}
	return nil
}

// DecodeBatch reads a batch from r. Every event is validated.
func DecodeBatch(r io.Reader) (Batch, error) {
	var b Batch
	if err := json.NewDecoder(r).Decode(&b); err != nil {
		return Batch{}, fmt.Errorf("failed to decode batch: %w", err)
	}
	if len(b.Events) == 0 {
		return Batch{}, ErrEmptyBatch
	}
	return b, nil
}
