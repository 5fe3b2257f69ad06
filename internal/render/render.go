// Package render builds the results and history tables row by row.
package render

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"sync"
	"time"

	"github.com/ignea/consulta/internal/protocol"
)

const (
	AnimationClass = "ignea-row-fade-right"
	StyleID        = "ignea-row-anim-style"
	NoEmail        = "Sem e-mail"
	DateLayout     = "02/01/2006 15:04"
)

// StyleSheet holds the row entrance animation. It is injected once per table.
const StyleSheet = `.ignea-row-fade-right {
    animation: igneaFadeRightIn 0.7s cubic-bezier(.4,.2,.2,1) forwards;
    will-change: transform, opacity;
}
@keyframes igneaFadeRightIn {
    from { opacity: 0; transform: translateX(60px); }
    to { opacity: 1; transform: none; }
}`

var rowTmpl = template.Must(template.New("row").Parse(
	`<tr{{if .Class}} class="{{.Class}}"{{end}}>` +
		`{{range .Cells}}<td>{{.}}</td>{{end}}` +
		`<td><button class="btn-icon btn-details" data-cnpj="{{.DataCNPJ}}" title="Ver detalhes">Detalhes</button></td>` +
		`</tr>`))

var styleTmpl = template.Must(template.New("style").Parse(
	`<style id="{{.ID}}">{{.CSS}}</style>`))

// Row is one rendered table row. Cells hold the displayed text, unescaped.
type Row struct {
	Cells    []string
	DataCNPJ string

	mu    sync.Mutex
	class string
}

// Animating reports whether the entrance animation class is still set.
func (r *Row) Animating() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.class != ""
}

// AnimationEnd removes the animation class. Only the first call has an
// effect.
func (r *Row) AnimationEnd() {
	r.mu.Lock()
	r.class = ""
	r.mu.Unlock()
}

func (r *Row) HTML() string {
	r.mu.Lock()
	data := struct {
		Class    string
		Cells    []string
		DataCNPJ string
	}{r.class, r.Cells, r.DataCNPJ}
	r.mu.Unlock()

	var buf bytes.Buffer
	if err := rowTmpl.Execute(&buf, data); err != nil {
		return ""
	}
	return buf.String()
}

// Table is an append-only list of rows with a lazily injected stylesheet.
type Table struct {
	mu              sync.Mutex
	rows            []*Row
	styleInjections int
	loc             *time.Location
}

// SetLocation sets the zone of history dates. Nil means time.Local.
func (t *Table) SetLocation(loc *time.Location) {
	t.mu.Lock()
	t.loc = loc
	t.mu.Unlock()
}

// AppendResult adds a results-table row for item.
func (t *Table) AppendResult(item protocol.ResultRow) *Row {
	return t.append(ResultCells(item), DisplayCNPJ(item.CNPJ))
}

// AppendHistory adds a history-table row, prefixed with the lookup date.
func (t *Table) AppendHistory(at time.Time, item protocol.ResultRow) *Row {
	t.mu.Lock()
	loc := t.loc
	t.mu.Unlock()
	if loc == nil {
		loc = time.Local
	}
	cells := append([]string{at.In(loc).Format(DateLayout)}, ResultCells(item)...)
	return t.append(cells, DisplayCNPJ(item.CNPJ))
}

func (t *Table) append(cells []string, dataCNPJ string) *Row {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.styleInjections == 0 {
		t.styleInjections++
	}
	row := &Row{Cells: cells, DataCNPJ: dataCNPJ, class: AnimationClass}
	t.rows = append(t.rows, row)
	return row
}

func (t *Table) Clear() {
	t.mu.Lock()
	t.rows = nil
	t.mu.Unlock()
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rows)
}

func (t *Table) Rows() []*Row {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Row(nil), t.rows...)
}

// Cells returns the displayed text of every row, in order.
func (t *Table) Cells() [][]string {
	rows := t.Rows()
	out := make([][]string, len(rows))
	for i, r := range rows {
		out[i] = r.Cells
	}
	return out
}

// StyleInjections is the number of times the animation stylesheet was
// added; it is 0 before the first row and 1 afterwards.
func (t *Table) StyleInjections() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.styleInjections
}

// HTML renders the stylesheet (once rows exist) followed by every row.
func (t *Table) HTML() string {
	rows := t.Rows()
	var b strings.Builder
	if t.StyleInjections() > 0 {
		var buf bytes.Buffer
		if err := styleTmpl.Execute(&buf, struct {
			ID  string
			CSS template.CSS
		}{StyleID, template.CSS(StyleSheet)}); err == nil {
			b.WriteString(buf.String())
		}
	}
	for _, r := range rows {
		b.WriteString(r.HTML())
	}
	return b.String()
}

// ResultCells maps an item to the displayed columns: processo, cnpj,
// dsevento, oportunidade, substancias, nome and email.
func ResultCells(item protocol.ResultRow) []string {
	return []string{
		item.Processo,
		DisplayCNPJ(item.CNPJ),
		item.DSEvento,
		item.Oportunidade,
		item.Substancias,
		orDash(item.Nome),
		DisplayEmail(item.Email),
	}
}

func DisplayEmail(email string) string {
	email = strings.TrimSpace(email)
	if email == "" || email == "-" {
		return NoEmail
	}
	return email
}

func DisplayCNPJ(c string) string {
	return orDash(c)
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

// Text renders rows as aligned plain text for terminals.
func Text(rows [][]string) string {
	var b strings.Builder
	for _, cells := range rows {
		fmt.Fprintln(&b, strings.Join(cells, " | "))
	}
	return b.String()
}
