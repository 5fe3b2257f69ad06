package server

import (
	"encoding/json"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/ignea/consulta/internal/ingest"
	"github.com/ignea/consulta/internal/protocol"
	"github.com/ignea/consulta/internal/server/httpx"
)

const (
	maxUploadBytes = 32 << 20

	detailNoJob      = "Nenhum job em andamento."
	detailEmptyStart = "Informe cnpjs (JSON/POST) ou envie csv_file."
)

func newJob(items []protocol.QueueItem, tipo, arquivoNome string) *job {
	digits := make([]string, 0, len(items))
	for _, it := range items {
		digits = append(digits, it.CNPJ)
	}
	return &job{
		queue:       items,
		total:       len(items),
		results:     []protocol.ResultRow{},
		status:      protocol.JobStatusRunning,
		tipo:        tipo,
		arquivoNome: arquivoNome,
		cnpjs:       strings.Join(digits, ","),
	}
}

// jobStartHandler accepts {"cnpjs": "..."} as JSON, or a form with a cnpjs
// field or a csv_file upload. A new job replaces any previous one.
func (s *Server) jobStartHandler(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	var (
		items       []protocol.QueueItem
		tipo        = protocol.JobKindManual
		arquivoNome string
	)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var req protocol.StartJobRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		items = ingest.FromList(req.CNPJs)
	} else {
		if mediaType == "multipart/form-data" {
			if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
				httpx.WriteDetail(w, http.StatusBadRequest, "Erro ao ler arquivo: "+err.Error())
				return
			}
		}
		items = ingest.FromList(r.FormValue("cnpjs"))
		if len(items) == 0 && r.MultipartForm != nil {
			file, header, err := r.FormFile("csv_file")
			if err == nil {
				defer file.Close()
				if !ingest.Supported(header.Filename) {
					httpx.WriteDetail(w, http.StatusBadRequest, ingest.ErrUnsupportedType.Error())
					return
				}
				items, err = ingest.Parse(header.Filename, file)
				if err != nil {
					httpx.WriteDetail(w, http.StatusBadRequest, "Erro ao ler arquivo: "+err.Error())
					return
				}
				tipo = protocol.JobKindUpload
				arquivoNome = header.Filename
			}
		}
	}
	if len(items) == 0 {
		httpx.WriteDetail(w, http.StatusBadRequest, detailEmptyStart)
		return
	}

	j := newJob(items, tipo, arquivoNome)
	sess.mu.Lock()
	sess.job = j
	sess.retry = protocol.RetryStatus{}
	sess.mu.Unlock()

	slog.Info("job started", "total", j.total, "tipo", tipo, "arquivo", arquivoNome)
	httpx.WriteJSON(w, http.StatusOK, protocol.StartJobResponse{Total: j.total})
}

// jobStepHandler processes the next queued item after the configured delay.
func (s *Server) jobStepHandler(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	sess.mu.Lock()
	j := sess.job
	sess.mu.Unlock()
	if j == nil {
		httpx.WriteDetail(w, http.StatusBadRequest, detailNoJob)
		return
	}

	j.stepMu.Lock()
	defer j.stepMu.Unlock()

	if resp, done := s.idleStep(sess, j); done {
		httpx.WriteJSON(w, http.StatusOK, resp)
		return
	}
	if err := s.sleep(r.Context(), s.cfg.StepDelay); err != nil {
		return
	}
	if resp, done := s.idleStep(sess, j); done {
		httpx.WriteJSON(w, http.StatusOK, resp)
		return
	}

	sess.mu.Lock()
	if len(j.queue) == 0 {
		resp := protocol.StepResponse{Status: protocol.StepStatusCancelled, Processed: j.processed, Total: j.total}
		sess.mu.Unlock()
		httpx.WriteJSON(w, http.StatusOK, resp)
		return
	}
	item := j.queue[0]
	j.queue = j.queue[1:]
	sess.mu.Unlock()

	row, err := s.upstream.Lookup(r.Context(), item.CNPJ, func(attempt int, wait time.Duration) {
		sess.mu.Lock()
		sess.retry = protocol.RetryStatus{
			Active:      true,
			CNPJ:        item.CNPJ,
			Attempt:     attempt,
			MaxAttempts: s.retryCount,
			WaitSeconds: int(wait / time.Second),
		}
		sess.mu.Unlock()
	})
	sess.mu.Lock()
	sess.retry = protocol.RetryStatus{}
	if err != nil {
		// The caller went away; put the item back for the next step.
		j.queue = append([]protocol.QueueItem{item}, j.queue...)
		sess.mu.Unlock()
		slog.Warn("job step aborted", "cnpj", item.CNPJ, "error", err)
		return
	}
	row.Processo = item.Processo
	row.DSEvento = item.DSEvento
	row.Oportunidade = item.Oportunidade
	row.Substancias = item.Substancias
	j.results = append(j.results, row)
	j.processed++
	sess.lastResults = append([]protocol.ResultRow(nil), j.results...)
	resp := protocol.StepResponse{Status: protocol.StepStatusItem, Item: &row, Processed: j.processed, Total: j.total}
	sess.mu.Unlock()

	httpx.WriteJSON(w, http.StatusOK, resp)
}

// idleStep answers a step that has nothing to process: the job is paused,
// cancelled or drained.
func (s *Server) idleStep(sess *session, j *job) (protocol.StepResponse, bool) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	resp := protocol.StepResponse{Processed: j.processed, Total: j.total}
	switch {
	case j.status == protocol.JobStatusPaused:
		resp.Status = protocol.StepStatusPaused
	case j.status == protocol.JobStatusCancelled:
		resp.Status = protocol.StepStatusCancelled
	case j.processed >= j.total || len(j.queue) == 0:
		resp.Status = protocol.StepStatusDone
	default:
		return resp, false
	}
	return resp, true
}

func (s *Server) jobPauseHandler(w http.ResponseWriter, r *http.Request) {
	s.setJobStatus(w, r, protocol.JobStatusPaused)
}

func (s *Server) jobResumeHandler(w http.ResponseWriter, r *http.Request) {
	s.setJobStatus(w, r, protocol.JobStatusRunning)
}

// jobCancelHandler marks the job cancelled and drops the remaining queue.
func (s *Server) jobCancelHandler(w http.ResponseWriter, r *http.Request) {
	s.setJobStatus(w, r, protocol.JobStatusCancelled)
}

func (s *Server) setJobStatus(w http.ResponseWriter, r *http.Request, status string) {
	sess := sessionFrom(r.Context())
	sess.mu.Lock()
	j := sess.job
	if j == nil {
		sess.mu.Unlock()
		httpx.WriteDetail(w, http.StatusBadRequest, detailNoJob)
		return
	}
	j.status = status
	if status == protocol.JobStatusCancelled {
		j.queue = nil
	}
	sess.mu.Unlock()

	slog.Info("job status changed", "status", status)
	httpx.WriteJSON(w, http.StatusOK, protocol.ControlResponse{Status: status})
}

// jobFinalizeHandler stores the results in history, clears the job and
// refreshes the credits cache.
func (s *Server) jobFinalizeHandler(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	sess.mu.Lock()
	j := sess.job
	if j == nil {
		sess.mu.Unlock()
		httpx.WriteDetail(w, http.StatusBadRequest, detailNoJob)
		return
	}
	entry := protocol.HistoryEntry{
		Tipo:        j.tipo,
		CNPJs:       j.cnpjs,
		ArquivoNome: j.arquivoNome,
		Resultado:   append([]protocol.ResultRow(nil), j.results...),
	}
	sess.mu.Unlock()

	if len(entry.Resultado) > 0 {
		id, err := s.store.Insert(r.Context(), entry)
		if err != nil {
			slog.Error("save job history", "error", err)
			httpx.WriteDetail(w, http.StatusInternalServerError, "Erro ao salvar histórico: "+err.Error())
			return
		}
		slog.Info("job history saved", "id", id, "rows", len(entry.Resultado))
	}

	sess.mu.Lock()
	if sess.job == j {
		sess.job = nil
	}
	sess.mu.Unlock()

	s.refreshCreditsSilently(r.Context())
	httpx.WriteJSON(w, http.StatusOK, protocol.ControlResponse{Status: "ok"})
}

func (s *Server) retryStatusHandler(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	sess.mu.Lock()
	st := sess.retry
	sess.mu.Unlock()
	httpx.WriteJSON(w, http.StatusOK, st)
}
