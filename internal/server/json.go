package server

import (
	"encoding/json"
	"net/http"

	"github.com/rjsadow/httpflow/internal/apierr"
)

type handlers struct {
	app *App
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.CodeValidationError, "invalid JSON body", err))
		return false
	}
	return true
}
