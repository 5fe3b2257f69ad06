// Package cnpj holds helpers for Brazilian company identifiers (CNPJ) and the
// mining process numbers ("processo") that travel alongside them.
package cnpj

import (
	"regexp"
	"strings"
)

// Length is the number of digits in a CNPJ.
const Length = 14

var (
	nonDigit        = regexp.MustCompile(`\D`)
	listChars       = regexp.MustCompile(`^[0-9,\s]+$`)
	maskedCNPJ      = regexp.MustCompile(`\b\d{2}\.\d{3}\.\d{3}/\d{4}-\d{2}\b`)
	looseCNPJ       = regexp.MustCompile(`\d{2}\D?\d{3}\D?\d{3}\D?\d{4}\D?\d{2}`)
	maskedProcesso  = regexp.MustCompile(`\b\d{3}\.\d{3}/\d{4}\b`)
	exactProcesso   = regexp.MustCompile(`^\d{3}\.\d{3}/\d{4}$`)
	digitRunPattern = regexp.MustCompile(`\d+`)
)

// Clean strips everything but digits.
func Clean(s string) string {
	return nonDigit.ReplaceAllString(s, "")
}

// Valid reports whether s has exactly 14 digits once cleaned.
func Valid(s string) bool {
	return len(Clean(s)) == Length
}

// Format masks a 14-digit identifier as 00.000.000/0000-00. Anything else is
// returned as its cleaned digits.
func Format(s string) string {
	d := Clean(s)
	if len(d) != Length {
		return d
	}
	return d[:2] + "." + d[2:5] + "." + d[5:8] + "/" + d[8:12] + "-" + d[12:]
}

// FormatPadded left-pads with zeros before masking, as the details title does.
func FormatPadded(s string) string {
	d := Clean(s)
	if len(d) < Length {
		d = strings.Repeat("0", Length-len(d)) + d
	}
	return Format(d)
}

// FormatProcesso normalises a process number to xxx.xxx/xxxx. Values already
// in that shape are kept, ten bare digits are masked, anything else is
// returned trimmed. An empty input yields "".
func FormatProcesso(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if exactProcesso.MatchString(s) {
		return s
	}
	if d := Clean(s); len(d) == 10 {
		return d[:3] + "." + d[3:6] + "/" + d[6:]
	}
	return s
}

// ValidateList reports whether a manual identifier list only contains digits,
// commas and whitespace.
func ValidateList(s string) bool {
	return listChars.MatchString(s)
}

// SplitList splits a comma separated list, trimming entries and dropping
// empty ones.
func SplitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ExtractFirst returns the first CNPJ found in free text as 14 digits, or ""
// when there is none. Masked identifiers win over bare digit runs.
func ExtractFirst(text string) string {
	if m := maskedCNPJ.FindString(text); m != "" {
		return Clean(m)
	}
	for _, run := range digitRunPattern.FindAllString(text, -1) {
		if len(run) == Length {
			return run
		}
	}
	return ""
}

// ExtractAll returns every CNPJ-shaped match in text, cleaned to 14 digits.
func ExtractAll(text string) []string {
	var out []string
	for _, m := range looseCNPJ.FindAllString(text, -1) {
		if d := Clean(m); len(d) == Length {
			out = append(out, d)
		}
	}
	return out
}

// ExtractFirstProcesso returns the first process number in text, either
// masked or as a bare run of ten digits, or "".
func ExtractFirstProcesso(text string) string {
	if m := maskedProcesso.FindString(text); m != "" {
		return m
	}
	for _, run := range digitRunPattern.FindAllString(text, -1) {
		if len(run) == 10 {
			return run
		}
	}
	return ""
}

// MatchProcessoMask returns the masked form of a search term: ten digits are
// masked, an embedded xxx.xxx/xxxx is extracted, anything else is returned
// unchanged.
func MatchProcessoMask(term string) string {
	if d := Clean(term); len(d) == 10 {
		return d[:3] + "." + d[3:6] + "/" + d[6:]
	}
	if m := maskedProcesso.FindString(term); m != "" {
		return m
	}
	return term
}
