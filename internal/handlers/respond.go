package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"vigil/internal/logger"
)

// writeJSON writes body with the given status
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	// operator symbols go on the wire as written
	enc.SetEscapeHTML(false)
	if err := enc.Encode(body); err != nil {
		log := logger.WithComponent("http")
		log.Warn().Err(err).Msg("failed to encode response")
	}
}

// writeError writes an error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   message,
	})
}

// writeValidationError lists every violation found in a request
func writeValidationError(w http.ResponseWriter, detail []string) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"success": false,
		"error":   "validation failed",
		"detail":  detail,
	})
}

// queryInt parses an optional non-negative integer query parameter
func queryInt(r *http.Request, name string) (int64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// maxBodySize bounds request bodies
const maxBodySize = 1 << 20

// decodeBody decodes a JSON request body into v
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errors.New("request body too large")
		}
		return errors.New("invalid JSON body")
	}
	return nil
}
