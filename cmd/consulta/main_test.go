package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ignea/consulta/internal/config"
	"github.com/ignea/consulta/internal/filter"
	"github.com/ignea/consulta/internal/jobctl"
	"github.com/ignea/consulta/internal/lookup"
	"github.com/ignea/consulta/internal/protocol"
	"github.com/ignea/consulta/internal/server"
	"github.com/ignea/consulta/internal/store"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// writeConfig points the store at a temp sqlite file and returns the
// config path.
func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "consulta.yaml")
	writeFile(t, path, "server:\n  store:\n    driver: sqlite\n    dsn: "+filepath.Join(dir, "consulta.db")+"\n")
	return path
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func newTestServer(t *testing.T) string {
	t.Helper()
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/credit":
			_, _ = io.WriteString(w, `{"transient":5,"perpetual":10}`)
		case strings.HasPrefix(r.URL.Path, "/office/"):
			id := strings.TrimPrefix(r.URL.Path, "/office/")
			_, _ = io.WriteString(w, `{"taxId":"`+id+`","company":{"name":"EMPRESA `+id+`"},"emails":[{"address":"c@`+id+`.com"}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(up.Close)

	db, err := store.Open(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	s := server.New(server.Options{
		Config: config.Server{
			HistoryLimit:     30,
			DetailsScanLimit: 200,
			Credits:          config.Credits{Refresh: "@every 24h", TTL: time.Hour},
		},
		RetryCount: 1,
		Store:      db,
		Upstream:   lookup.New(config.Upstream{BaseURL: up.URL, APIKey: "k", RetryCount: 1}, up.Client()),
		Location:   time.UTC,
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func TestRunDetailsCreditsAndFilterAgainstServer(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)
	url := newTestServer(t)

	out, err := execute(t, "", "run", "--config", cfgPath, "--server", url,
		"--cnpjs", "11111111000111, 22222222000122",
		"--filter-field", "nome", "--filter", "22222222000122")
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	for _, want := range []string{
		"Progresso: 2/2",
		"EMPRESA 22222222000122",
		jobctl.MsgFinalized,
		`Filtro nome="22222222000122": 1/2`,
		"Créditos: 15",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("run output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "EMPRESA 11111111000111") {
		t.Fatalf("filtered row printed:\n%s", out)
	}

	out, err = execute(t, "", "details", "--config", cfgPath, "--server", url, "22222222000122")
	if err != nil {
		t.Fatalf("details: %v", err)
	}
	if !strings.Contains(out, "Detalhes: 22.222.222/0001-22") || !strings.Contains(out, "EMPRESA 22222222000122") {
		t.Fatalf("details output: %q", out)
	}

	out, err = execute(t, "", "credits", "--config", cfgPath, "--server", url, "--refresh")
	if err != nil {
		t.Fatalf("credits: %v", err)
	}
	if got := strings.TrimSpace(out); got != "15" {
		t.Fatalf("credits: got %q want %q", got, "15")
	}

	out, err = execute(t, "", "filter", "--config", cfgPath, "--server", url, "--field", "cnpj", "--term", "11111111")
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if !strings.Contains(out, "EMPRESA 11111111000111") || !strings.HasSuffix(strings.TrimSpace(out), "1/2") {
		t.Fatalf("filter output: %q", out)
	}
}

func TestRunRejectsInvalidCharacters(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, "", "run", "--config", writeConfig(t, dir), "--server", newTestServer(t), "--cnpjs", "abc")
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(out, jobctl.MsgInvalidChars) {
		t.Fatalf("output missing validation message: %q", out)
	}
}

func TestHistoryImportExportList(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)
	in := filepath.Join(dir, "in.json")
	writeFile(t, in, `[
  {"data_utc": "2025-03-04T12:00:00Z", "tipo": "upload", "cnpjs": "12345678000199", "arquivo_nome": "lote.csv",
   "resultado": [{"processo": "123.456/7890", "cnpj": "12.345.678/0001-99", "nome": "ACME", "email": ""}]}
]`)

	out, err := execute(t, "", "history", "import", "--config", cfgPath, in)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if got := strings.TrimSpace(out); got != "imported 1 entries" {
		t.Fatalf("import: got %q", got)
	}

	out, err = execute(t, "", "history", "list", "--config", cfgPath)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "upload lote.csv (1)") {
		t.Fatalf("list output: %q", out)
	}

	csvPath := filepath.Join(dir, "out.csv")
	if _, err := execute(t, "", "history", "export", "--config", cfgPath, "--format", "csv", "-o", csvPath); err != nil {
		t.Fatalf("export: %v", err)
	}
	raw, err := os.ReadFile(csvPath)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if !strings.HasPrefix(string(raw), "Data,Processo,CNPJ,Nome,E-mail\n") || !strings.Contains(string(raw), "123.456/7890,12.345.678/0001-99,ACME") {
		t.Fatalf("csv export: %q", raw)
	}

	out, err = execute(t, "", "history", "import", "--config", cfgPath, "--truncate", in)
	if err != nil {
		t.Fatalf("re-import: %v", err)
	}
	out, err = execute(t, "", "history", "export", "--config", cfgPath)
	if err != nil {
		t.Fatalf("export json: %v", err)
	}
	if n := strings.Count(out, `"arquivo_nome": "lote.csv"`); n != 1 {
		t.Fatalf("json export after truncate: got %d entries want 1\n%s", n, out)
	}

	if _, err := execute(t, "", "history", "export", "--config", cfgPath, "--format", "pdf"); err == nil {
		t.Fatalf("expected unknown format error")
	}
}

func TestCollectInputsExpandsGlob(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.csv"), "cnpj\n12345678000199\n")
	writeFile(t, filepath.Join(dir, "sub", "b.xlsx"), "not really xlsx")
	writeFile(t, filepath.Join(dir, "sub", "notes.txt"), "skip me")

	got, err := collectInputs(runFlags{cnpjs: "1, 2", files: filepath.Join(dir, "**", "*.{csv,xlsx,txt}")})
	if err != nil {
		t.Fatalf("collectInputs: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("inputs: got %d want 3", len(got))
	}
	if got[0].input.CNPJs != "1, 2" || got[0].input.File != nil {
		t.Fatalf("first input: %+v", got[0])
	}
	if got[1].input.File.Name != "a.csv" || got[2].input.File.Name != "b.xlsx" {
		t.Fatalf("file inputs: got %q, %q", got[1].input.File.Name, got[2].input.File.Name)
	}
	if string(got[1].input.File.Data) != "cnpj\n12345678000199\n" {
		t.Fatalf("file data: got %q", got[1].input.File.Data)
	}
}

func TestCollectInputsErrors(t *testing.T) {
	if _, err := collectInputs(runFlags{}); err == nil {
		t.Fatalf("expected error for empty flags")
	}
	if _, err := collectInputs(runFlags{files: filepath.Join(t.TempDir(), "*.csv")}); err == nil {
		t.Fatalf("expected error for empty glob")
	}
	if _, err := collectInputs(runFlags{file: filepath.Join(t.TempDir(), "missing.csv")}); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

// blockingTransport holds the first step until released so controls can be
// sent while the job runs.
type blockingTransport struct {
	stepping chan struct{}
	release  chan struct{}
	cancels  int
}

func (b *blockingTransport) Start(context.Context, jobctl.Input) (protocol.StartJobResponse, error) {
	return protocol.StartJobResponse{Total: 2}, nil
}

func (b *blockingTransport) Step(context.Context) (protocol.StepResponse, error) {
	close(b.stepping)
	<-b.release
	return protocol.StepResponse{Status: protocol.StepStatusItem, Item: &protocol.ResultRow{CNPJ: "1"}, Processed: 1, Total: 2}, nil
}

func (b *blockingTransport) Pause(context.Context) error    { return nil }
func (b *blockingTransport) Resume(context.Context) error   { return nil }
func (b *blockingTransport) Cancel(context.Context) error   { b.cancels++; return nil }
func (b *blockingTransport) Finalize(context.Context) error { return errors.New("finalize must not be called") }

type noBackend struct{}

func (noBackend) Get(context.Context, string) ([]byte, error)             { return nil, errors.New("no") }
func (noBackend) Credits(context.Context, bool) ([]byte, error)           { return nil, errors.New("no") }
func (noBackend) History(context.Context) ([]protocol.HistoryEntry, error) { return nil, nil }
func (noBackend) ClearHistory(context.Context) error                     { return nil }

func TestTerminalCancelStopsJob(t *testing.T) {
	tr := &blockingTransport{stepping: make(chan struct{}), release: make(chan struct{})}
	var out bytes.Buffer
	r := &jobRunner{
		transport: tr,
		backend:   noBackend{},
		out:       &out,
		pausePoll: time.Millisecond,
		log:       quietLogger(),
		field:     filter.FieldCNPJ,
	}

	if err := r.control(context.Background(), "p"); !errors.Is(err, jobctl.ErrNotRunning) {
		t.Fatalf("control without job: got %v want %v", err, jobctl.ErrNotRunning)
	}

	done := make(chan error, 1)
	go func() { done <- r.run(context.Background(), jobctl.Input{CNPJs: "1, 2"}) }()
	<-tr.stepping

	if err := r.control(context.Background(), "x"); err == nil {
		t.Fatalf("expected error for unknown command")
	}
	if err := r.control(context.Background(), "c"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	close(tr.release)
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if tr.cancels != 1 {
		t.Fatalf("cancel calls: got %d want 1", tr.cancels)
	}
	if !strings.Contains(out.String(), jobctl.MsgCancelled) {
		t.Fatalf("output missing cancel message: %q", out.String())
	}
	if r.current() != nil {
		t.Fatalf("controller still registered after run")
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "", "version", "--config", writeConfig(t, t.TempDir()))
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "consulta: dev\n") {
		t.Fatalf("version output: %q", out)
	}
}

func TestServerCommandUsesLoadedConfig(t *testing.T) {
	orig := runServer
	t.Cleanup(func() { runServer = orig })
	var got config.File
	runServer = func(_ context.Context, c config.File) error {
		got = c
		return nil
	}
	cfgPath := writeConfig(t, t.TempDir())
	if _, err := execute(t, "", "server", "--config", cfgPath, "--verbose"); err != nil {
		t.Fatalf("server: %v", err)
	}
	if got.Server.Store.Driver != "sqlite" || !got.Log.Verbose {
		t.Fatalf("server config: got driver=%q verbose=%v", got.Server.Store.Driver, got.Log.Verbose)
	}
}

func TestBadConfigFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	writeFile(t, path, "nope: 1\n")
	if _, err := execute(t, "", "version", "--config", path); err == nil {
		t.Fatalf("expected config error")
	}
}
