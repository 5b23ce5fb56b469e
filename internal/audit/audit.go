// Copyright (c) 2026 Taskmaster Team
// Taskmaster - natural-language infrastructure control plane
// This source code is licensed under the MIT license found in the LICENSE file.

// Package audit defines the append-only audit sink the core emits records to,
// plus the shipped sink implementations: an in-memory ring for tests and
// ephemeral deployments, and a database-backed store with tamper-evident hash
// chaining. The core's correctness never depends on a sink succeeding.
package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/toeirei/taskmaster/internal/model"
)

// Sink receives audit records. Implementations must be safe for concurrent
// emitters. Emit must not panic; failures are the sink's problem to log.
type Sink interface {
	Emit(rec model.AuditRecord)
}

// NopSink discards everything.
type NopSink struct{}

// Emit implements Sink.
func (NopSink) Emit(model.AuditRecord) {}

// Stamp fills the generated fields of a record (id, timestamp) when the
// emitter left them empty.
func Stamp(rec model.AuditRecord, now time.Time) model.AuditRecord {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = now
	}
	return rec
}
