package httpx

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ignea/consulta/internal/protocol"
)

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode JSON response", "error", err)
	}
}

// WriteDetail replies with the {"detail": ...} error body.
func WriteDetail(w http.ResponseWriter, status int, detail string) {
	WriteJSON(w, status, protocol.ErrorResponse{Detail: detail})
}

// WriteAttachment sends body as a download named filename.
func WriteAttachment(w http.ResponseWriter, contentType, filename string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		slog.Error("write attachment", "filename", filename, "error", err)
	}
}
