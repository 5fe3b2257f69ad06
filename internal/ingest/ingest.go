// Package ingest turns uploaded spreadsheets and manual lists into a lookup
// queue.
package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/charmap"

	"github.com/ignea/consulta/internal/cnpj"
	"github.com/ignea/consulta/internal/protocol"
)

var ErrUnsupportedType = errors.New("Tipo de arquivo não suportado. Envie CSV ou XLSX.")

var (
	cnpjHeaders     = []string{"cnpj", "cnpj/cpf", "cnpj_cpf", "nrcpfcnpj", "cpf/cnpj", "cnpjcpf"}
	processoHeaders = []string{"processo", "número do processo", "numero do processo", "dsprocesso"}
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Supported reports whether name has an extension Parse understands.
func Supported(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv", ".xlsx":
		return true
	}
	return false
}

// Parse reads a CSV or XLSX upload, chosen by the extension of name.
func Parse(name string, r io.Reader) ([]protocol.QueueItem, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv":
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		return ParseCSV(data)
	case ".xlsx":
		return ParseXLSX(r)
	default:
		return nil, ErrUnsupportedType
	}
}

// FromList builds a queue from a comma separated manual list.
func FromList(raw string) []protocol.QueueItem {
	parts := cnpj.SplitList(raw)
	items := make([]protocol.QueueItem, 0, len(parts))
	for _, p := range parts {
		if d := cnpj.Clean(p); d != "" {
			items = append(items, protocol.QueueItem{CNPJ: d})
		}
	}
	return Dedup(items)
}

// Dedup drops repeated (cnpj, processo) pairs keeping the first occurrence.
func Dedup(items []protocol.QueueItem) []protocol.QueueItem {
	seen := make(map[[2]string]struct{}, len(items))
	out := make([]protocol.QueueItem, 0, len(items))
	for _, it := range items {
		key := [2]string{it.CNPJ, it.Processo}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, it)
	}
	return out
}

// DecodeText decodes UTF-8 (with or without BOM) and falls back to latin-1.
func DecodeText(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if utf8.Valid(data) {
		return string(data), nil
	}
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
	if err != nil {
		return "", fmt.Errorf("decode latin-1: %w", err)
	}
	return string(out), nil
}

func ParseCSV(data []byte) ([]protocol.QueueItem, error) {
	text, err := DecodeText(data)
	if err != nil {
		return nil, err
	}
	r := csv.NewReader(strings.NewReader(text))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	records, err := r.ReadAll()
	if err != nil {
		return scanLines(text), nil
	}
	return fromRecords(records), nil
}

func ParseXLSX(r io.Reader) ([]protocol.QueueItem, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheet := f.GetSheetName(f.GetActiveSheetIndex())
	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return []protocol.QueueItem{}, nil
		}
		sheet = sheets[0]
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	return fromRecords(rows), nil
}

type columns struct {
	cnpj, processo, dsevento, oportunidade, substancias int
}

func detectColumns(header []string) columns {
	c := columns{cnpj: -1, processo: -1, dsevento: -1, oportunidade: -1, substancias: -1}
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" {
			continue
		}
		switch {
		case c.cnpj < 0 && containsAny(h, cnpjHeaders):
			c.cnpj = i
		case c.processo < 0 && containsAny(h, processoHeaders):
			c.processo = i
		case c.dsevento < 0 && strings.Contains(h, "dsevento"):
			c.dsevento = i
		case c.oportunidade < 0 && strings.Contains(h, "oportunidade"):
			c.oportunidade = i
		case c.substancias < 0 && (strings.Contains(h, "substância") || strings.Contains(h, "substancia")):
			c.substancias = i
		}
	}
	return c
}

func containsAny(s string, keys []string) bool {
	for _, k := range keys {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

// fromRecords treats the first record as a header. Without a recognisable
// CNPJ column every cell of every record is scanned instead.
func fromRecords(records [][]string) []protocol.QueueItem {
	if len(records) == 0 {
		return []protocol.QueueItem{}
	}
	cols := detectColumns(records[0])
	if cols.cnpj < 0 {
		return scanRecords(records, cols)
	}

	items := make([]protocol.QueueItem, 0, len(records)-1)
	for _, row := range records[1:] {
		joined := strings.Join(row, " ")
		digits := cnpj.Clean(cell(row, cols.cnpj))
		if len(digits) != cnpj.Length {
			digits = cnpj.ExtractFirst(joined)
		}
		if digits == "" {
			continue
		}
		proc := cell(row, cols.processo)
		if proc == "" {
			proc = cnpj.ExtractFirstProcesso(joined)
		}
		items = append(items, protocol.QueueItem{
			CNPJ:         digits,
			Processo:     cnpj.FormatProcesso(proc),
			DSEvento:     cell(row, cols.dsevento),
			Oportunidade: cell(row, cols.oportunidade),
			Substancias:  cell(row, cols.substancias),
		})
	}
	return Dedup(items)
}

func scanRecords(records [][]string, cols columns) []protocol.QueueItem {
	var items []protocol.QueueItem
	for _, row := range records {
		proc := cnpj.FormatProcesso(cell(row, cols.processo))
		for _, v := range row {
			for _, d := range cnpj.ExtractAll(v) {
				items = append(items, protocol.QueueItem{CNPJ: d, Processo: proc})
			}
		}
	}
	return Dedup(items)
}

func scanLines(text string) []protocol.QueueItem {
	var items []protocol.QueueItem
	for _, line := range strings.Split(text, "\n") {
		for _, d := range cnpj.ExtractAll(line) {
			items = append(items, protocol.QueueItem{CNPJ: d})
		}
	}
	return Dedup(items)
}
