// Copyright (c) 2026 Taskmaster Team
// Taskmaster - natural-language infrastructure control plane
// This source code is licensed under the MIT license found in the LICENSE file.

package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/toeirei/taskmaster/internal/model"
)

// Exporter is any sink that can enumerate its records for export.
type Exporter interface {
	Records(ctx context.Context, limit int) ([]model.AuditRecord, error)
}

// ExportZstd streams every record as zstd-compressed JSON lines. Operators
// archive these alongside backups.
func ExportZstd(ctx context.Context, src Exporter, w io.Writer) error {
	recs, err := src.Records(ctx, 0)
	if err != nil {
		return err
	}
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	defer func() { _ = zw.Close() }()

	enc := json.NewEncoder(zw)
	for _, rec := range recs {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode audit record %s: %w", rec.ID, err)
		}
	}
	return zw.Close()
}
