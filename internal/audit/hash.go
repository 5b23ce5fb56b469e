// Copyright (c) 2026 Taskmaster Team
// Taskmaster - natural-language infrastructure control plane
// This source code is licensed under the MIT license found in the LICENSE file.

package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/toeirei/taskmaster/internal/model"
)

// hashPayload is exactly what gets hashed for chain integrity. Fully
// deterministic: primitives only, timestamps as unix nanos, plus the previous
// record's hash.
type hashPayload struct {
	ID         string `json:"id"`
	AtUnixNano int64  `json:"at_unix_nano"`
	UserID     string `json:"user_id"`
	SessionID  string `json:"session_id,omitempty"`
	PlanID     string `json:"plan_id,omitempty"`
	StepIndex  *int   `json:"step_index,omitempty"`
	Action     string `json:"action"`
	Outcome    string `json:"outcome"`
	Detail     string `json:"detail,omitempty"`
	PrevHash   string `json:"prev_hash,omitempty"`
}

// ComputeRecordHash returns the hex SHA-256 over the canonical form of rec
// chained to prevHash.
func ComputeRecordHash(rec model.AuditRecord, prevHash string) (string, error) {
	payload := hashPayload{
		ID:         rec.ID,
		AtUnixNano: rec.Timestamp.UnixNano(),
		UserID:     rec.UserID,
		SessionID:  rec.SessionID,
		PlanID:     rec.PlanID,
		StepIndex:  rec.StepIndex,
		Action:     string(rec.Action),
		Outcome:    string(rec.Outcome),
		Detail:     rec.Detail,
		PrevHash:   prevHash,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal hash payload: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
