package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

func RespondJSON(w http.ResponseWriter, logger *slog.Logger, status int, payload any) {
	// Handle nil payload
	if payload == nil {
		w.WriteHeader(status)
		return
	}

	response, err := json.Marshal(payload)
	if err != nil {
		logger.Error("Error encoding response to JSON", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(response)
}

func RespondError(w http.ResponseWriter, logger *slog.Logger, status int, message string) {
	RespondJSON(w, logger, status, map[string]string{"error": message})
}

// ParseBarcode extracts the barcode from the request path. Returns the barcode
// and a boolean indicating success.
func ParseBarcode(w http.ResponseWriter, r *http.Request, logger *slog.Logger) (string, bool) {
	barcode := r.PathValue("barcode")
	if barcode == "" {
		RespondError(w, logger, http.StatusBadRequest, "barcode path parameter is required")
		return "", false
	}
	return barcode, true
}
