package store

import (
	"context"
	"database/sql"
	"sort"
	"strings"

	pipeerr "github.com/fixbase/docpipe/internal/errors"
)

// DocumentMutation is one record-level change applied by the batch engine.
// Fields maps whitelisted document columns to their new values; Operation
// is carried for the audit trail only.
type DocumentMutation struct {
	ID        string
	Operation string // delete, update, status_change, restore
	Fields    map[string]any
}

var mutableDocumentColumns = map[string]bool{
	"status":          true,
	"document_type":   true,
	"manufacturer_id": true,
	"priority":        true,
	"page_count":      true,
	"deleted":         true,
}

// ApplyDocumentMutations applies the mutations and writes their audit
// entries in one transaction. Any failure reverts the whole batch,
// including the audit rows.
func (s *DB) ApplyDocumentMutations(ctx context.Context, muts []*DocumentMutation, audit []*AuditEntry) error {
	if len(muts) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, m := range muts {
			query, args, err := documentMutationSQL(m)
			if err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx, query, args...)
			if err != nil {
				return mapDBError(err, "apply document mutation")
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return pipeerr.Newf(pipeerr.ErrCodeDanglingReference, nil,
					"document %s not found", m.ID)
			}
		}
		return insertAuditEntries(ctx, tx, audit)
	})
}

func documentMutationSQL(m *DocumentMutation) (string, []any, error) {
	if len(m.Fields) == 0 {
		return "", nil, pipeerr.New(pipeerr.ErrCodeInvalidInput,
			"document mutation has no fields", nil)
	}

	// Deterministic column order keeps the statement stable across runs.
	cols := make([]string, 0, len(m.Fields))
	for col := range m.Fields {
		if !mutableDocumentColumns[col] {
			return "", nil, pipeerr.Newf(pipeerr.ErrCodeInvalidInput, nil,
				"field %s is not batch-mutable", col)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	var b strings.Builder
	b.WriteString("UPDATE core.documents SET ")
	args := make([]any, 0, len(cols)+2)
	for i, col := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(col)
		b.WriteString(" = ?")
		args = append(args, m.Fields[col])
	}
	b.WriteString(", updated_at = ? WHERE id = ?")
	args = append(args, now(), m.ID)
	return b.String(), args, nil
}

// insertAuditEntries writes audit rows inside the caller's transaction.
func insertAuditEntries(ctx context.Context, tx *sql.Tx, entries []*AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO system.audit_log
			(id, operation, resource, record_id, old_values, new_values,
			 actor_id, correlation_id, rollback_data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return mapDBError(err, "save audit entries")
	}
	defer func() { _ = stmt.Close() }()

	for _, a := range entries {
		if a.ID == "" {
			a.ID = newID()
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now()
		}
		if _, err := stmt.ExecContext(ctx, a.ID, a.Operation, a.Resource,
			a.RecordID, marshalJSON(a.OldValues), marshalJSON(a.NewValues),
			a.ActorID, a.CorrelationID, marshalJSON(a.RollbackData),
			a.CreatedAt); err != nil {
			return mapDBError(err, "save audit entries")
		}
	}
	return nil
}
