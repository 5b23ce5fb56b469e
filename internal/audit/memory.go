// Copyright (c) 2026 Taskmaster Team
// Taskmaster - natural-language infrastructure control plane
// This source code is licensed under the MIT license found in the LICENSE file.

package audit

import (
	"sync"
	"time"

	"github.com/toeirei/taskmaster/internal/model"
)

// MemorySink keeps the most recent records in memory. It is the default sink
// and the one tests assert against.
type MemorySink struct {
	mu   sync.Mutex
	recs []model.AuditRecord
	max  int
}

// NewMemorySink builds a sink retaining up to max records (0 means unbounded).
func NewMemorySink(max int) *MemorySink {
	return &MemorySink{max: max}
}

// Emit implements Sink.
func (s *MemorySink) Emit(rec model.AuditRecord) {
	rec = Stamp(rec, time.Now().UTC())
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	if s.max > 0 && len(s.recs) > s.max {
		s.recs = s.recs[len(s.recs)-s.max:]
	}
}

// Records returns a copy of the retained records in emission order.
func (s *MemorySink) Records() []model.AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.AuditRecord, len(s.recs))
	copy(out, s.recs)
	return out
}
