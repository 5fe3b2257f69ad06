package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ignea/consulta/internal/cnpj"
	"github.com/ignea/consulta/internal/protocol"
)

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Insert stores a finished job and returns its id. A zero DataUTC is set to
// the current time.
func (s *Store) Insert(ctx context.Context, e protocol.HistoryEntry) (int64, error) {
	return s.insert(ctx, s.db, e)
}

func (s *Store) insert(ctx context.Context, q queryRower, e protocol.HistoryEntry) (int64, error) {
	if e.DataUTC.IsZero() {
		e.DataUTC = time.Now()
	}
	if strings.TrimSpace(e.Tipo) == "" {
		e.Tipo = protocol.JobKindManual
	}
	rows := e.Resultado
	if rows == nil {
		rows = []protocol.ResultRow{}
	}
	resultJSON, err := json.Marshal(rows)
	if err != nil {
		return 0, fmt.Errorf("marshal history result: %w", err)
	}
	var id int64
	if err := q.QueryRowContext(ctx, s.rebind(`
		INSERT INTO consulta_historico (data_utc, tipo, cnpjs, arquivo_nome, resultado_json)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id
	`), formatTime(e.DataUTC), e.Tipo, e.CNPJs, e.ArquivoNome, string(resultJSON)).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert history: %w", err)
	}
	return id, nil
}

// ListRecent returns up to limit entries, newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]protocol.HistoryEntry, error) {
	if limit <= 0 {
		return []protocol.HistoryEntry{}, nil
	}
	return s.list(ctx, `
		SELECT id, data_utc, tipo, cnpjs, arquivo_nome, resultado_json
		FROM consulta_historico
		ORDER BY data_utc DESC, id DESC
		LIMIT ?
	`, limit)
}

// All returns every entry, newest first.
func (s *Store) All(ctx context.Context) ([]protocol.HistoryEntry, error) {
	return s.list(ctx, `
		SELECT id, data_utc, tipo, cnpjs, arquivo_nome, resultado_json
		FROM consulta_historico
		ORDER BY data_utc DESC, id DESC
	`)
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]protocol.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	out := []protocol.HistoryEntry{}
	for rows.Next() {
		var (
			e                   protocol.HistoryEntry
			dataUTC, resultJSON string
		)
		if err := rows.Scan(&e.ID, &dataUTC, &e.Tipo, &e.CNPJs, &e.ArquivoNome, &resultJSON); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.DataUTC = parseTime(dataUTC)
		if err := json.Unmarshal([]byte(resultJSON), &e.Resultado); err != nil {
			return nil, fmt.Errorf("decode history %d result: %w", e.ID, err)
		}
		if e.Resultado == nil {
			e.Resultado = []protocol.ResultRow{}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return out, nil
}

// FindDetails scans the scanLimit most recent entries for a row of id that
// carries a details record.
func (s *Store) FindDetails(ctx context.Context, id string, scanLimit int) (json.RawMessage, error) {
	digits := cnpj.Clean(id)
	if len(digits) != cnpj.Length {
		return nil, ErrNotFound
	}
	entries, err := s.ListRecent(ctx, scanLimit)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if d, ok := DetailsIn(e.Resultado, digits); ok {
			return d, nil
		}
	}
	return nil, ErrNotFound
}

// DetailsIn returns the details record of the first row matching digits.
func DetailsIn(rows []protocol.ResultRow, digits string) (json.RawMessage, bool) {
	for _, r := range rows {
		if cnpj.Clean(r.CNPJ) != digits {
			continue
		}
		d := bytes.TrimSpace(r.Detalhes)
		if len(d) == 0 || bytes.Equal(d, []byte("null")) {
			continue
		}
		return r.Detalhes, true
	}
	return nil, false
}

// Clear deletes every entry and returns how many were removed.
func (s *Store) Clear(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM consulta_historico`)
	if err != nil {
		return 0, fmt.Errorf("clear history: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ExportJSON writes every entry as an indented JSON array.
func (s *Store) ExportJSON(ctx context.Context, w io.Writer) (int, error) {
	entries, err := s.All(ctx)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(entries); err != nil {
		return 0, fmt.Errorf("encode history: %w", err)
	}
	return len(entries), nil
}

// ImportJSON reads a JSON array written by ExportJSON and inserts its
// entries with fresh ids, optionally clearing the table first. Everything
// happens in one transaction.
func (s *Store) ImportJSON(ctx context.Context, r io.Reader, truncate bool) (int, error) {
	var entries []protocol.HistoryEntry
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return 0, fmt.Errorf("decode history import: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if truncate {
		if _, err := tx.ExecContext(ctx, `DELETE FROM consulta_historico`); err != nil {
			return 0, fmt.Errorf("truncate history: %w", err)
		}
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if _, err := s.insert(ctx, tx, entries[i]); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return len(entries), nil
}
