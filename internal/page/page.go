// Package page keeps the state of the lookup page: tables, progress,
// controls, the details panel and the credits balance. It follows a
// jobctl.Controller through its events.
package page

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ignea/consulta/internal/cnpj"
	"github.com/ignea/consulta/internal/credits"
	"github.com/ignea/consulta/internal/details"
	"github.com/ignea/consulta/internal/filter"
	"github.com/ignea/consulta/internal/jobctl"
	"github.com/ignea/consulta/internal/protocol"
	"github.com/ignea/consulta/internal/render"
)

type Tab string

const (
	TabResults Tab = "results"
	TabHistory Tab = "history"
)

// Indicator marks how the last job ended.
type Indicator int

const (
	IndicatorNone Indicator = iota
	IndicatorDone
	IndicatorCancelled
)

var ErrHistoryTabOnly = errors.New("clear history is only available on the history tab")

// Backend is what the page needs from the server besides the job API.
type Backend interface {
	details.Source
	credits.Fetcher
	History(ctx context.Context) ([]protocol.HistoryEntry, error)
	ClearHistory(ctx context.Context) error
}

// Modal is the details panel.
type Modal struct {
	Open  bool
	Title string
	CNPJ  string
	Body  string
	View  details.View
	Err   string
}

type filterState struct {
	field filter.Field
	term  string
}

type Page struct {
	backend Backend
	log     *slog.Logger

	Results render.Table
	History render.Table

	mu        sync.Mutex
	ctx       context.Context
	progress  string
	status    string
	errMsg    string
	indicator Indicator
	controls  jobctl.Controls
	compact   bool
	tab       Tab
	modal     Modal
	credits   string
	filters   map[Tab]filterState
}

func New(backend Backend, logger *slog.Logger) *Page {
	if logger == nil {
		logger = slog.Default()
	}
	return &Page{
		backend:  backend,
		log:      logger,
		ctx:      context.Background(),
		controls: jobctl.Controls{SubmitEnabled: true},
		tab:      TabResults,
		credits:  credits.Placeholder,
		filters: map[Tab]filterState{
			TabResults: {field: filter.FieldCNPJ},
			TabHistory: {field: filter.FieldCNPJ},
		},
	}
}

// SetLocation sets the zone history dates are shown in.
func (p *Page) SetLocation(loc *time.Location) {
	p.History.SetLocation(loc)
}

// Attach subscribes the page to c. Network calls triggered by events, such
// as the credits reload after finalize, use ctx.
func (p *Page) Attach(ctx context.Context, c *jobctl.Controller) (detach func()) {
	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()
	return c.Subscribe(p.Handle)
}

// Handle applies one controller event.
func (p *Page) Handle(ev jobctl.Event) {
	switch e := ev.(type) {
	case jobctl.ValidationFailed:
		p.setError(e.Message)
	case jobctl.Submitted:
		p.Results.Clear()
		p.mu.Lock()
		p.errMsg = ""
		p.status = ""
		p.progress = ""
		p.indicator = IndicatorNone
		p.mu.Unlock()
	case jobctl.Started:
		p.setProgress(jobctl.ProgressText(0, e.Total))
	case jobctl.Progress:
		p.setProgress(e.Text())
	case jobctl.ItemReceived:
		p.Results.AppendResult(e.Row)
	case jobctl.Paused:
		p.setStatus("Pausado")
	case jobctl.Resumed:
		p.setStatus("")
	case jobctl.Cancelled:
		p.mu.Lock()
		p.status = e.Message
		p.indicator = IndicatorCancelled
		p.mu.Unlock()
	case jobctl.Done:
		p.mu.Lock()
		p.progress = jobctl.ProgressText(e.Processed, e.Total)
		p.indicator = IndicatorDone
		p.mu.Unlock()
	case jobctl.Finalized:
		p.setStatus(e.Message)
		p.mu.Lock()
		ctx := p.ctx
		p.mu.Unlock()
		p.LoadCredits(ctx, false)
	case jobctl.FinalizeFailed:
		p.setError(e.Message)
	case jobctl.StartFailed:
		p.setError(e.Message)
	case jobctl.StepFailed:
		p.setError(e.Message)
	case jobctl.ControlsChanged:
		p.mu.Lock()
		p.controls = e.Controls
		p.compact = e.Controls.Compact
		p.mu.Unlock()
	}
}

func (p *Page) setProgress(s string) {
	p.mu.Lock()
	p.progress = s
	p.mu.Unlock()
}

func (p *Page) setStatus(s string) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
}

func (p *Page) setError(s string) {
	p.mu.Lock()
	p.errMsg = s
	p.mu.Unlock()
}

// ToggleCompact flips the compact form by hand.
func (p *Page) ToggleCompact() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.compact = !p.compact
	return p.compact
}

// SelectTab switches tabs. Entering the history tab reloads it.
func (p *Page) SelectTab(ctx context.Context, tab Tab) error {
	p.mu.Lock()
	p.tab = tab
	p.mu.Unlock()
	if tab == TabHistory {
		return p.LoadHistory(ctx)
	}
	return nil
}

func (p *Page) LoadHistory(ctx context.Context) error {
	entries, err := p.backend.History(ctx)
	if err != nil {
		p.log.Warn("load history failed", "error", err)
		return err
	}
	p.History.Clear()
	for _, e := range entries {
		for _, row := range e.Resultado {
			p.History.AppendHistory(e.DataUTC, row)
		}
	}
	return nil
}

// ClearHistory empties the stored history. It is only offered on the
// history tab.
func (p *Page) ClearHistory(ctx context.Context) error {
	if !p.ClearHistoryVisible() {
		return ErrHistoryTabOnly
	}
	if err := p.backend.ClearHistory(ctx); err != nil {
		return err
	}
	p.History.Clear()
	return nil
}

func (p *Page) ClearHistoryVisible() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tab == TabHistory
}

// OpenDetails opens the panel for the data-cnpj of a row. Values without 14
// digits are ignored and leave the panel closed.
func (p *Page) OpenDetails(ctx context.Context, dataCNPJ string) bool {
	digits := cnpj.Clean(dataCNPJ)
	if !cnpj.Valid(digits) {
		return false
	}
	p.mu.Lock()
	p.modal = Modal{Open: true, Title: details.Title(digits), CNPJ: digits, Body: details.LoadingHTML}
	p.mu.Unlock()

	o, err := details.Fetch(ctx, p.backend, digits)

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.modal.Open || p.modal.CNPJ != digits {
		return true
	}
	if err != nil {
		reason := err.Error()
		var fe *details.FetchError
		if errors.As(err, &fe) {
			reason = fe.Reason()
		}
		p.log.Warn("load details failed", "cnpj", digits, "error", err)
		p.modal.Err = reason
		p.modal.Body = details.ErrorHTML(reason)
		return true
	}
	p.modal.View = details.Project(o)
	p.modal.Body = p.modal.View.HTML()
	return true
}

func (p *Page) CloseDetails() {
	p.mu.Lock()
	p.modal = Modal{}
	p.mu.Unlock()
}

// LoadCredits refreshes the balance text. Failures show the placeholder.
func (p *Page) LoadCredits(ctx context.Context, refresh bool) string {
	text, err := credits.Load(ctx, p.backend, refresh)
	if err != nil {
		p.log.Warn("load credits failed", "error", err)
	}
	p.mu.Lock()
	p.credits = text
	p.mu.Unlock()
	return text
}

// SetFilter sets the search of one tab and returns the resulting pass.
func (p *Page) SetFilter(tab Tab, field filter.Field, term string) filter.Result {
	p.mu.Lock()
	p.filters[tab] = filterState{field: field, term: term}
	p.mu.Unlock()
	return p.Filter(tab)
}

// Filter runs the current search of tab over its table.
func (p *Page) Filter(tab Tab) filter.Result {
	p.mu.Lock()
	fs := p.filters[tab]
	p.mu.Unlock()
	if tab == TabHistory {
		return filter.Apply(filter.HistoryLayout, fs.field, fs.term, p.History.Cells())
	}
	return filter.Apply(filter.ResultsLayout, fs.field, fs.term, p.Results.Cells())
}

// View is a snapshot of everything the page shows.
type View struct {
	Progress       string
	Status         string
	Error          string
	Indicator      Indicator
	Controls       jobctl.Controls
	Compact        bool
	Tab            Tab
	ClearHistory   bool
	Modal          Modal
	Credits        string
	ResultsCounter string
	HistoryCounter string
}

func (p *Page) View() View {
	results := p.Filter(TabResults)
	history := p.Filter(TabHistory)
	p.mu.Lock()
	defer p.mu.Unlock()
	return View{
		Progress:       p.progress,
		Status:         p.status,
		Error:          p.errMsg,
		Indicator:      p.indicator,
		Controls:       p.controls,
		Compact:        p.compact,
		Tab:            p.tab,
		ClearHistory:   p.tab == TabHistory,
		Modal:          p.modal,
		Credits:        p.credits,
		ResultsCounter: results.Counter(),
		HistoryCounter: history.Counter(),
	}
}
