// Package filter hides table rows that do not match a search term.
package filter

import (
	"fmt"
	"strings"

	"github.com/ignea/consulta/internal/cnpj"
)

type Field string

const (
	FieldProcesso     Field = "processo"
	FieldCNPJ         Field = "cnpj"
	FieldDSEvento     Field = "dsevento"
	FieldOportunidade Field = "oportunidade"
	FieldSubstancias  Field = "substancias"
	FieldNome         Field = "nome"
	FieldEmail        Field = "email"
)

// Layout maps each searchable field to its column index.
type Layout map[Field]int

var (
	ResultsLayout = Layout{
		FieldProcesso: 0, FieldCNPJ: 1, FieldDSEvento: 2, FieldOportunidade: 3,
		FieldSubstancias: 4, FieldNome: 5, FieldEmail: 6,
	}
	HistoryLayout = Layout{
		FieldProcesso: 1, FieldCNPJ: 2, FieldDSEvento: 3, FieldOportunidade: 4,
		FieldSubstancias: 5, FieldNome: 6, FieldEmail: 7,
	}
)

func ParseField(s string) (Field, error) {
	f := Field(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := ResultsLayout[f]; !ok {
		return "", fmt.Errorf("unknown filter field %q", s)
	}
	return f, nil
}

// Result is the outcome of one filter pass.
type Result struct {
	Visible []bool
	Shown   int
	Total   int
}

// Counter renders "visible/total".
func (r Result) Counter() string {
	return fmt.Sprintf("%d/%d", r.Shown, r.Total)
}

// Apply decides the visibility of each row. Unknown fields fall back to cnpj.
// An empty term shows every row. A row too short to have the column stays
// visible but is not counted as a match. cnpj and processo compare digits
// only, so a term without digits never matches them; processo also matches
// the xxx.xxx/xxxx mask of the term.
func Apply(layout Layout, field Field, term string, rows [][]string) Result {
	idx, ok := layout[field]
	if !ok {
		field = FieldCNPJ
		idx = layout[FieldCNPJ]
	}

	text := strings.ToLower(term)
	digits := cnpj.Clean(term)
	procMask := cnpj.MatchProcessoMask(term)

	res := Result{Visible: make([]bool, len(rows)), Total: len(rows)}
	for i, cells := range rows {
		if idx >= len(cells) {
			res.Visible[i] = true
			continue
		}
		cell := cells[idx]
		match := true
		if text != "" {
			switch field {
			case FieldCNPJ:
				match = digits != "" && strings.Contains(cnpj.Clean(cell), digits)
			case FieldProcesso:
				match = digits != "" && (strings.Contains(cnpj.Clean(cell), digits) || strings.Contains(cell, procMask))
			default:
				match = strings.Contains(strings.ToLower(cell), text)
			}
		}
		res.Visible[i] = match
		if match {
			res.Shown++
		}
	}
	return res
}
