// Package handlers implements the gateway's HTTP surface: the public
// Gemini v1beta endpoints and the JSON admin API.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/relaypool/gemini-relay/internal/gateway"
)

// exhaustedMessage is the stable client-facing text for a spent rotation
// loop.
const exhaustedMessage = "All Gemini accounts exhausted or failed."

// decodeBody reads a JSON body with the configured size cap.
func decodeBody(w http.ResponseWriter, r *http.Request, maxBytes int64) (map[string]interface{}, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	return body, nil
}

// validateContents enforces the minimal inbound contract: contents must be
// present and must be a non-empty array.
func validateContents(body map[string]interface{}) error {
	raw, ok := body["contents"]
	if !ok {
		return errors.New("missing contents")
	}
	contents, ok := raw.([]interface{})
	if !ok {
		return errors.New("contents must be an array")
	}
	if len(contents) == 0 {
		return errors.New("contents must not be empty")
	}
	return nil
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a flat {error: message} body.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeEngineError maps a rotation-loop error to a client response. Internal
// detail stays in the server log.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gateway.ErrNoIdentities), errors.Is(err, gateway.ErrAllExhausted):
		writeError(w, http.StatusServiceUnavailable, exhaustedMessage)
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
