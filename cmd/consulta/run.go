package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"github.com/ignea/consulta/internal/credits"
	"github.com/ignea/consulta/internal/filter"
	"github.com/ignea/consulta/internal/ingest"
	"github.com/ignea/consulta/internal/jobctl"
	"github.com/ignea/consulta/internal/log"
	"github.com/ignea/consulta/internal/page"
	"github.com/ignea/consulta/internal/render"
)

type runFlags struct {
	cnpjs       string
	file        string
	files       string
	filterField string
	filter      string
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Submit a lookup job and follow it until it ends",
		Long: `Submit a list of CNPJs or files and print one row per processed item.

While a job runs, type p to pause, r to resume or c to cancel, followed by
Enter. Ctrl+C cancels the running job.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := log.ContextAttrs(cmd.Context(), slog.Group("consulta",
				slog.String("cmd", "run"),
				slog.Int("pid", os.Getpid()),
			))
			jobs, err := collectInputs(f)
			if err != nil {
				return err
			}
			field, err := filter.ParseField(f.filterField)
			if err != nil {
				return err
			}
			cl, err := newClient(ctx)
			if err != nil {
				return err
			}
			r := &jobRunner{
				transport: cl,
				backend:   cl,
				out:       cmd.OutOrStdout(),
				pausePoll: cfg.Client.PausePoll,
				log:       slog.Default(),
				field:     field,
				term:      f.filter,
			}
			go r.readControls(ctx, cmd.InOrStdin())
			stopSignals := r.cancelOnInterrupt(ctx)
			defer stopSignals()
			return r.runAll(ctx, jobs)
		},
	}
	cmd.Flags().StringVar(&f.cnpjs, "cnpjs", "", "comma separated CNPJs")
	cmd.Flags().StringVar(&f.file, "file", "", "CSV or XLSX file to submit")
	cmd.Flags().StringVar(&f.files, "files", "", "glob of CSV/XLSX files, one job per file (e.g. 'in/**/*.{csv,xlsx}')")
	cmd.Flags().StringVar(&f.filterField, "filter-field", string(filter.FieldCNPJ), "column to filter printed rows by")
	cmd.Flags().StringVar(&f.filter, "filter", "", "only print rows matching this term")
	return cmd
}

type namedInput struct {
	label string
	input jobctl.Input
}

func collectInputs(f runFlags) ([]namedInput, error) {
	var out []namedInput
	if strings.TrimSpace(f.cnpjs) != "" {
		out = append(out, namedInput{label: "lista", input: jobctl.Input{CNPJs: f.cnpjs}})
	}
	var paths []string
	if f.file != "" {
		paths = append(paths, f.file)
	}
	if f.files != "" {
		matches, err := doublestar.FilepathGlob(f.files)
		if err != nil {
			return nil, fmt.Errorf("expand %q: %w", f.files, err)
		}
		sort.Strings(matches)
		for _, m := range matches {
			if ingest.Supported(m) {
				paths = append(paths, m)
			}
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("no files match %q", f.files)
		}
	}
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		out = append(out, namedInput{
			label: p,
			input: jobctl.Input{File: &jobctl.File{Name: filepath.Base(p), Data: data}},
		})
	}
	if len(out) == 0 {
		return nil, errors.New("nothing to submit: use --cnpjs, --file or --files")
	}
	return out, nil
}

// jobRunner runs jobs one after another and routes terminal controls to
// the job in progress.
type jobRunner struct {
	transport jobctl.Transport
	backend   page.Backend
	out       io.Writer
	pausePoll time.Duration
	log       *slog.Logger
	field     filter.Field
	term      string

	mu   sync.Mutex
	ctrl *jobctl.Controller
}

func (r *jobRunner) runAll(ctx context.Context, jobs []namedInput) error {
	var failed int
	for _, j := range jobs {
		if len(jobs) > 1 {
			fmt.Fprintf(r.out, "== %s\n", j.label)
		}
		if err := r.run(ctx, j.input); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.log.ErrorContext(ctx, "job failed", "input", j.label, "err", err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d jobs failed", failed, len(jobs))
	}
	return nil
}

func (r *jobRunner) run(ctx context.Context, in jobctl.Input) error {
	ctrl := jobctl.New(r.transport, jobctl.Options{PausePoll: r.pausePoll, Logger: r.log})
	pg := page.New(r.backend, r.log)
	pg.SetFilter(page.TabResults, r.field, r.term)
	detach := pg.Attach(ctx, ctrl)
	defer detach()
	unsubscribe := ctrl.Subscribe(r.print)
	defer unsubscribe()

	r.setCurrent(ctrl)
	defer r.setCurrent(nil)

	err := ctrl.Run(ctx, in)

	v := pg.View()
	if r.term != "" {
		fmt.Fprintf(r.out, "Filtro %s=%q: %s\n", r.field, r.term, v.ResultsCounter)
	}
	if v.Credits != credits.Placeholder {
		fmt.Fprintf(r.out, "Créditos: %s\n", v.Credits)
	}
	return err
}

func (r *jobRunner) print(ev jobctl.Event) {
	switch e := ev.(type) {
	case jobctl.ItemReceived:
		cells := render.ResultCells(e.Row)
		if r.term != "" && filter.Apply(filter.ResultsLayout, r.field, r.term, [][]string{cells}).Shown == 0 {
			return
		}
		fmt.Fprint(r.out, render.Text([][]string{cells}))
	case jobctl.Progress:
		fmt.Fprintln(r.out, e.Text())
	case jobctl.Paused:
		fmt.Fprintln(r.out, "Pausado")
	case jobctl.Resumed:
		fmt.Fprintln(r.out, "Retomado")
	case jobctl.Cancelled:
		fmt.Fprintln(r.out, e.Message)
	case jobctl.Finalized:
		fmt.Fprintln(r.out, e.Message)
	case jobctl.ValidationFailed:
		fmt.Fprintln(r.out, e.Message)
	case jobctl.StartFailed:
		fmt.Fprintln(r.out, e.Message)
	case jobctl.StepFailed:
		fmt.Fprintln(r.out, e.Message)
	case jobctl.FinalizeFailed:
		fmt.Fprintln(r.out, e.Message)
	}
}

func (r *jobRunner) setCurrent(c *jobctl.Controller) {
	r.mu.Lock()
	r.ctrl = c
	r.mu.Unlock()
}

func (r *jobRunner) current() *jobctl.Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ctrl
}

// control applies one terminal command: p pauses, r resumes, c cancels.
func (r *jobRunner) control(ctx context.Context, cmd string) error {
	ctrl := r.current()
	if ctrl == nil {
		return jobctl.ErrNotRunning
	}
	switch strings.ToLower(strings.TrimSpace(cmd)) {
	case "p":
		return ctrl.Pause(ctx)
	case "r":
		return ctrl.Resume(ctx)
	case "c":
		return ctrl.Cancel(ctx)
	case "":
		return nil
	default:
		return fmt.Errorf("unknown command %q: use p, r or c", cmd)
	}
}

func (r *jobRunner) readControls(ctx context.Context, in io.Reader) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if err := r.control(ctx, sc.Text()); err != nil {
			r.log.WarnContext(ctx, "control ignored", "err", err)
		}
	}
}

// cancelOnInterrupt turns Ctrl+C into a cancel call for the running job.
func (r *jobRunner) cancelOnInterrupt(ctx context.Context) (stop func()) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-sigs:
				if err := r.control(ctx, "c"); err != nil {
					r.log.WarnContext(ctx, "cancel on interrupt", "err", err)
				}
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(sigs)
		close(done)
	}
}
