package server

import (
	"net/http"
	"os"
	"strings"

	"github.com/ignea/consulta/internal/protocol"
	"github.com/ignea/consulta/internal/server/httpx"
	"github.com/ignea/consulta/internal/version"
)

const apiVersion = 1

func serverInfoHandler(w http.ResponseWriter, r *http.Request) {
	host, _ := os.Hostname()
	host = strings.TrimSpace(host)
	httpx.WriteJSON(w, http.StatusOK, protocol.ServerInfo{
		Name:       "consulta",
		APIVersion: apiVersion,
		Version:    version.Current(),
		Hostname:   host,
	})
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
