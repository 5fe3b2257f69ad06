// Package export writes result rows and history as CSV or XLSX.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/ignea/consulta/internal/protocol"
)

const (
	ContentTypeCSV  = "text/csv"
	ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

	sheetName  = "Export"
	dateLayout = "02/01/06"
	noEmail    = "Sem e-mail"
)

var (
	resultHeader  = []string{"Processo", "CNPJ", "Nome", "E-mail"}
	historyHeader = []string{"Data", "Processo", "CNPJ", "Nome", "E-mail"}
)

// Table is a header plus records, ready for either format.
type Table struct {
	Header  []string
	Records [][]string
}

// Results lays out the rows of the current job. Missing e-mails read
// "Sem e-mail".
func Results(rows []protocol.ResultRow) Table {
	t := Table{Header: resultHeader, Records: make([][]string, 0, len(rows))}
	for _, r := range rows {
		email := strings.TrimSpace(r.Email)
		if email == "" || email == "-" {
			email = noEmail
		}
		t.Records = append(t.Records, []string{r.Processo, r.CNPJ, r.Nome, email})
	}
	return t
}

// History flattens entries, newest first as given, into one record per
// result row dated dd/mm/yy in loc (UTC when nil).
func History(entries []protocol.HistoryEntry, loc *time.Location) Table {
	if loc == nil {
		loc = time.UTC
	}
	t := Table{Header: historyHeader}
	for _, e := range entries {
		date := e.DataUTC.In(loc).Format(dateLayout)
		for _, r := range e.Resultado {
			t.Records = append(t.Records, []string{date, r.Processo, r.CNPJ, r.Nome, r.Email})
		}
	}
	return t
}

func (t Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	if err := cw.WriteAll(t.Records); err != nil {
		return fmt.Errorf("write csv records: %w", err)
	}
	return nil
}

func (t Table) WriteXLSX(w io.Writer) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName(f.GetSheetName(0), sheetName); err != nil {
		return fmt.Errorf("name sheet: %w", err)
	}
	for i, rec := range append([][]string{t.Header}, t.Records...) {
		cellRef, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		row := make([]any, len(rec))
		for j, v := range rec {
			row[j] = v
		}
		if err := f.SetSheetRow(sheetName, cellRef, &row); err != nil {
			return fmt.Errorf("write xlsx row %d: %w", i+1, err)
		}
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}
