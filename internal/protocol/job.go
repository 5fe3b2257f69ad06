package protocol

import (
	"encoding/json"
	"time"
)

// ResultRow is one looked-up identifier as rendered in the results table and
// persisted in history.
type ResultRow struct {
	Processo     string          `json:"processo,omitempty"`
	CNPJ         string          `json:"cnpj"`
	DSEvento     string          `json:"dsevento,omitempty"`
	Oportunidade string          `json:"oportunidade,omitempty"`
	Substancias  string          `json:"substancias,omitempty"`
	Nome         string          `json:"nome"`
	Email        string          `json:"email"`
	Detalhes     json.RawMessage `json:"detalhes,omitempty"`
}

// QueueItem is one pending lookup of a job.
type QueueItem struct {
	CNPJ         string `json:"cnpj"`
	Processo     string `json:"processo,omitempty"`
	DSEvento     string `json:"dsevento,omitempty"`
	Oportunidade string `json:"oportunidade,omitempty"`
	Substancias  string `json:"substancias,omitempty"`
}

type StartJobRequest struct {
	CNPJs string `json:"cnpjs"`
}

type StartJobResponse struct {
	Total int `json:"total"`
}

type StepResponse struct {
	Status    string     `json:"status"`
	Item      *ResultRow `json:"item"`
	Processed int        `json:"processed"`
	Total     int        `json:"total"`
}

type ControlResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the body of every non-2xx JSON reply.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

type HistoryEntry struct {
	ID          int64       `json:"id"`
	DataUTC     time.Time   `json:"data_utc"`
	Tipo        string      `json:"tipo"`
	CNPJs       string      `json:"cnpjs"`
	ArquivoNome string      `json:"arquivo_nome,omitempty"`
	Resultado   []ResultRow `json:"resultado"`
}

type HistoryResponse struct {
	Entries []HistoryEntry `json:"entries"`
}

// RetryStatus reports an upstream rate-limit retry in progress.
type RetryStatus struct {
	Active      bool   `json:"active"`
	CNPJ        string `json:"cnpj,omitempty"`
	Attempt     int    `json:"attempt,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
	WaitSeconds int    `json:"wait_seconds,omitempty"`
}

type ServerInfo struct {
	Name       string `json:"name"`
	APIVersion int    `json:"api_version"`
	Version    string `json:"version"`
	Hostname   string `json:"hostname,omitempty"`
}

const (
	JobKindManual = "manual"
	JobKindUpload = "upload"
)

// MDNSService is the DNS-SD service type servers advertise on the LAN.
const MDNSService = "_consulta._tcp"
