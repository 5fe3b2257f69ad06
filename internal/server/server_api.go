package server

import (
	"bytes"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignea/consulta/internal/cnpj"
	"github.com/ignea/consulta/internal/export"
	"github.com/ignea/consulta/internal/lookup"
	"github.com/ignea/consulta/internal/protocol"
	"github.com/ignea/consulta/internal/server/httpx"
	"github.com/ignea/consulta/internal/store"
)

// detailsHandler returns the stored office record of a CNPJ, looking at the
// running job first and then at recent history.
func (s *Server) detailsHandler(w http.ResponseWriter, r *http.Request) {
	digits := cnpj.Clean(chi.URLParam(r, "cnpj"))
	if len(digits) != cnpj.Length {
		httpx.WriteDetail(w, http.StatusBadRequest, "CNPJ inválido")
		return
	}

	sess := sessionFrom(r.Context())
	sess.mu.Lock()
	var rows []protocol.ResultRow
	if sess.job != nil {
		rows = append(rows, sess.job.results...)
	}
	sess.mu.Unlock()
	if d, ok := store.DetailsIn(rows, digits); ok {
		writeRawJSON(w, d)
		return
	}

	d, err := s.store.FindDetails(r.Context(), digits, s.cfg.DetailsScanLimit)
	if errors.Is(err, store.ErrNotFound) {
		httpx.WriteDetail(w, http.StatusNotFound, "Detalhes não encontrados para este CNPJ.")
		return
	}
	if err != nil {
		slog.Error("find details", "cnpj", digits, "error", err)
		httpx.WriteDetail(w, http.StatusInternalServerError, "Erro ao buscar detalhes.")
		return
	}
	writeRawJSON(w, d)
}

// officeHandler queries upstream directly for one CNPJ.
func (s *Server) officeHandler(w http.ResponseWriter, r *http.Request) {
	data, err := s.upstream.Office(r.Context(), chi.URLParam(r, "cnpj"))
	if err != nil {
		var ue *lookup.Error
		switch {
		case errors.Is(err, lookup.ErrInvalidCNPJ), errors.Is(err, lookup.ErrMissingAPIKey), errors.As(err, &ue):
			httpx.WriteDetail(w, http.StatusBadRequest, err.Error())
		default:
			slog.Error("office lookup", "error", err)
			httpx.WriteDetail(w, http.StatusInternalServerError, "Erro interno ao consultar CNPJ")
		}
		return
	}
	writeRawJSON(w, data)
}

func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListRecent(r.Context(), s.cfg.HistoryLimit)
	if err != nil {
		slog.Error("list history", "error", err)
		httpx.WriteDetail(w, http.StatusInternalServerError, "Erro ao listar histórico.")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, protocol.HistoryResponse{Entries: entries})
}

func (s *Server) clearHistoryHandler(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.Clear(r.Context())
	if err != nil {
		slog.Error("clear history", "error", err)
		httpx.WriteDetail(w, http.StatusInternalServerError, "Erro ao limpar histórico.")
		return
	}
	slog.Info("history cleared", "removed", n)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "removed": n})
}

func (s *Server) exportResultsHandler(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	sess.mu.Lock()
	rows := append([]protocol.ResultRow(nil), sess.lastResults...)
	sess.mu.Unlock()
	writeTable(w, chi.URLParam(r, "format"), "resultado", export.Results(rows))
}

func (s *Server) exportHistoryHandler(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.All(r.Context())
	if err != nil {
		slog.Error("export history", "error", err)
		httpx.WriteDetail(w, http.StatusInternalServerError, "Erro ao exportar histórico.")
		return
	}
	writeTable(w, chi.URLParam(r, "format"), "historico", export.History(entries, s.loc))
}

func writeTable(w http.ResponseWriter, format, name string, t export.Table) {
	var (
		buf         bytes.Buffer
		err         error
		contentType string
	)
	switch format {
	case "csv":
		contentType = export.ContentTypeCSV
		err = t.WriteCSV(&buf)
	case "xlsx":
		contentType = export.ContentTypeXLSX
		err = t.WriteXLSX(&buf)
	default:
		httpx.WriteDetail(w, http.StatusNotFound, "Formato não suportado.")
		return
	}
	if err != nil {
		slog.Error("write export", "name", name, "format", format, "error", err)
		httpx.WriteDetail(w, http.StatusInternalServerError, "Erro ao gerar arquivo.")
		return
	}
	httpx.WriteAttachment(w, contentType, name+"."+format, buf.Bytes())
}
