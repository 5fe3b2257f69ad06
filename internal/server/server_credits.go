package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ignea/consulta/internal/server/httpx"
)

const (
	creditsCacheKey = "cnpja_creditos_v1"
	creditsTimeout  = 15 * time.Second
)

// creditsHandler serves the upstream credit balance from cache, fetching it
// when absent, expired or ?refresh=1. On upstream failure the last stored
// balance is served even when stale.
func (s *Server) creditsHandler(w http.ResponseWriter, r *http.Request) {
	refresh := r.URL.Query().Get("refresh") == "1"
	if !refresh {
		data, ok, err := s.cache.Get(r.Context(), creditsCacheKey)
		if err != nil {
			slog.Warn("read credits cache", "error", err)
		}
		if ok {
			writeRawJSON(w, data)
			return
		}
	}

	data, err := s.refreshCredits(r.Context())
	if err != nil {
		if stale, ok := s.staleCredits(r.Context()); ok {
			slog.Warn("serving stale credits", "error", err)
			writeRawJSON(w, stale)
			return
		}
		httpx.WriteDetail(w, http.StatusBadGateway, "Não foi possível obter créditos: "+err.Error())
		return
	}
	writeRawJSON(w, data)
}

// refreshCredits fetches the balance and stores it in the cache and in the
// durable app state.
func (s *Server) refreshCredits(ctx context.Context) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, creditsTimeout)
	defer cancel()
	data, err := s.upstream.Credits(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, creditsCacheKey, data, s.cfg.Credits.TTL); err != nil {
		slog.Warn("write credits cache", "error", err)
	}
	if s.store != nil {
		if err := s.store.SetAppState(ctx, creditsCacheKey, string(data)); err != nil {
			slog.Warn("persist credits", "error", err)
		}
	}
	return data, nil
}

func (s *Server) refreshCreditsSilently(ctx context.Context) {
	if _, err := s.refreshCredits(ctx); err != nil {
		slog.Debug("silent credits refresh failed", "error", err)
	}
}

func (s *Server) staleCredits(ctx context.Context) (json.RawMessage, bool) {
	if s.store == nil {
		return nil, false
	}
	v, _, ok, err := s.store.GetAppState(ctx, creditsCacheKey)
	if err != nil || !ok || !json.Valid([]byte(v)) {
		return nil, false
	}
	return json.RawMessage(v), true
}

func writeRawJSON(w http.ResponseWriter, data []byte) {
	if !json.Valid(data) {
		httpx.WriteDetail(w, http.StatusBadGateway, fmt.Sprintf("resposta inválida (%d bytes)", len(data)))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, json.RawMessage(data))
}
