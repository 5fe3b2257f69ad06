// Package details fetches one office record on demand and projects it into
// the key/value lines of the details view.
package details

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"math"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/ignea/consulta/internal/cnpj"
)

const Placeholder = "—"

var ErrInvalidCNPJ = errors.New("invalid CNPJ: expected 14 digits")

// Source performs a GET against the server and returns the body of a 2xx
// response. Any other outcome is an error.
type Source interface {
	Get(ctx context.Context, path string) ([]byte, error)
}

// StatusError is implemented by errors that carry an HTTP status code.
type StatusError interface {
	error
	StatusCode() int
}

// FetchError means both the stored-details endpoint and the direct lookup
// failed.
type FetchError struct {
	Primary  error
	Fallback error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch details: %v; fallback: %v", e.Primary, e.Fallback)
}

func (e *FetchError) Unwrap() error { return e.Fallback }

// Reason is the short text shown to the user.
func (e *FetchError) Reason() string {
	var se StatusError
	if errors.As(e.Fallback, &se) {
		return fmt.Sprintf("HTTP %d", se.StatusCode())
	}
	return e.Fallback.Error()
}

func PrimaryPath(id string) string  { return "/api/detalhes/" + id + "/" }
func FallbackPath(id string) string { return "/cnpj/" + id + "/" }

// Fetch loads the record for id, ignoring punctuation. Stored details are
// preferred; a direct lookup is the fallback.
func Fetch(ctx context.Context, src Source, id string) (Office, error) {
	digits := cnpj.Clean(id)
	if len(digits) != cnpj.Length {
		return Office{}, ErrInvalidCNPJ
	}
	body, perr := src.Get(ctx, PrimaryPath(digits))
	if perr != nil {
		var ferr error
		body, ferr = src.Get(ctx, FallbackPath(digits))
		if ferr != nil {
			return Office{}, &FetchError{Primary: perr, Fallback: ferr}
		}
	}
	o, err := ParseOffice(body)
	if err != nil {
		return Office{}, &FetchError{Primary: perr, Fallback: fmt.Errorf("decode details: %w", err)}
	}
	if o.TaxID == "" {
		o.TaxID = digits
	}
	return o, nil
}

type Line struct {
	Label string
	Value string
}

// View is the details panel content.
type View struct {
	Name     string
	Lines    []Line
	Officers []string
}

// Project turns an office into display lines, omitting absent fields.
func Project(o Office) View {
	var v View
	add := func(label, value string) {
		if strings.TrimSpace(value) != "" {
			v.Lines = append(v.Lines, Line{Label: label, Value: value})
		}
	}

	if o.Company != nil {
		v.Name = o.Company.Name
	}
	add("CNPJ", cnpj.FormatPadded(o.TaxID))
	add("Atualizado", formatUpdated(o.Updated))
	if o.Company != nil && len(bytes.TrimSpace(o.Company.Equity)) > 0 {
		add("Capital", FormatCurrencyBRL(o.Company.Equity))
	}
	if o.Company != nil && o.Company.Nature != nil {
		add("Natureza", o.Company.Nature.Text)
	}
	if o.Company != nil && o.Company.Size != nil {
		add("Porte", strings.TrimSpace(o.Company.Size.Acronym+" "+o.Company.Size.Text))
	}
	if o.Alias != nil {
		add("Apelido", *o.Alias)
	}
	add("Fundação", o.Founded)
	if o.Status != nil {
		add("Situação", o.Status.Text)
	}
	add("Data da Situação", o.StatusDate)
	if o.Head != nil {
		if *o.Head {
			add("Tipo", "Matriz")
		} else {
			add("Tipo", "Filial")
		}
	}
	if o.MainActivity != nil {
		add("Atividade Principal", activityText(*o.MainActivity))
	}
	if a := o.Address; a != nil {
		street := joinNonEmpty(", ", a.Street, a.Number, a.District)
		city := joinNonEmpty(" - ", a.City, a.State, a.Zip)
		add("Endereço", joinNonEmpty(" - ", street, city))
		if a.Details != nil {
			add("Complemento", *a.Details)
		}
		if a.City != "" {
			add("Município", a.City)
		} else if a.Municipality != "" {
			add("Município (IBGE)", a.Municipality.String())
		}
		if a.Country != nil {
			add("País", a.Country.Name)
		}
	}

	var emails []string
	for _, e := range o.Emails {
		if e.Address != "" {
			emails = append(emails, e.Address)
		}
	}
	add("E-mails", strings.Join(emails, " | "))

	var phones []string
	for _, p := range o.Phones {
		s := strings.TrimSpace(p.Area + " " + p.Number)
		if p.Type != "" {
			s = strings.TrimSpace(p.Type + ": " + s)
		}
		if s != "" {
			phones = append(phones, s)
		}
	}
	add("Telefones", strings.Join(phones, " | "))

	var side []string
	for _, a := range o.SideActivities {
		if s := activityText(a); s != "" {
			side = append(side, s)
		}
	}
	add("Atividades Secundárias", strings.Join(side, " | "))

	if o.Company != nil {
		for _, m := range o.Company.Members {
			v.Officers = append(v.Officers, memberText(m))
		}
	}
	return v
}

func activityText(a activity) string {
	id := a.ID.String()
	switch {
	case id != "" && a.Text != "":
		return id + " - " + a.Text
	case id != "":
		return id
	default:
		return a.Text
	}
}

func memberText(m member) string {
	role, name, since := Placeholder, Placeholder, Placeholder
	if m.Role != nil && m.Role.Text != "" {
		role = m.Role.Text
	}
	if m.Since != "" {
		since = m.Since
	}
	var extra string
	if m.Person != nil {
		if m.Person.Name != "" {
			name = m.Person.Name
		}
		extra = joinNonEmpty(", ", m.Person.Type, m.Person.Age)
	}
	s := fmt.Sprintf("%s — %s (desde %s", role, name, since)
	if extra != "" {
		s += "; " + extra
	}
	return s + ")"
}

func joinNonEmpty(sep string, parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, sep)
}

func formatUpdated(s string) string {
	if s == "" {
		return ""
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return s
	}
	return t.Local().Format("02/01/2006, 15:04:05")
}

var brl = message.NewPrinter(language.BrazilianPortuguese)

// FormatCurrencyBRL formats an amount as Brazilian reais, or returns the
// placeholder when raw is not a number.
func FormatCurrencyBRL(raw []byte) string {
	v, ok := equityValue(raw)
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return Placeholder
	}
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return sign + "R$ " + brl.Sprintf("%.2f", v)
}

var (
	bodyTmpl = template.Must(template.New("body").Parse(
		`{{if .Name}}<div class="line"><strong>{{.Name}}</strong></div>{{end}}` +
			`{{range .Lines}}<div class="kv"><strong>{{.Label}}:</strong> {{.Value}}</div>{{end}}` +
			`{{if .Officers}}<div class="kv"><strong>Administradores:</strong></div><ul class="kv-list">` +
			`{{range .Officers}}<li>{{.}}</li>{{end}}</ul>{{end}}`))
	errorTmpl = template.Must(template.New("error").Parse(
		`<div class="muted">Falha ao carregar detalhes ({{.}})</div>`))
)

const LoadingHTML = `<div class="muted">Carregando...</div>`

func (v View) HTML() string {
	var buf bytes.Buffer
	if err := bodyTmpl.Execute(&buf, v); err != nil {
		return ErrorHTML(err.Error())
	}
	return buf.String()
}

// Text renders the view for terminals.
func (v View) Text() string {
	var b strings.Builder
	if v.Name != "" {
		b.WriteString(v.Name + "\n")
	}
	for _, l := range v.Lines {
		fmt.Fprintf(&b, "%s: %s\n", l.Label, l.Value)
	}
	if len(v.Officers) > 0 {
		b.WriteString("Administradores:\n")
		for _, o := range v.Officers {
			fmt.Fprintf(&b, "  - %s\n", o)
		}
	}
	return b.String()
}

// ErrorHTML renders the inline failure message with reason escaped.
func ErrorHTML(reason string) string {
	var buf bytes.Buffer
	_ = errorTmpl.Execute(&buf, reason)
	return buf.String()
}

// Title is the heading of the details panel.
func Title(id string) string {
	return "Detalhes: " + cnpj.FormatPadded(id)
}
