package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"goa.design/clue/log"

	relayredis "goa.design/relay/clients/redis"
	"goa.design/relay/session"
)

// errorBody is the JSON error envelope. RequestID lets clients correlate a
// failure with server logs.
type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg, RequestID: requestID(ctx)})
}

// writeDomainError maps domain errors onto HTTP statuses. Unknown errors are
// logged and surface as an opaque 500 so internals do not leak.
func writeDomainError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(ctx, w, http.StatusNotFound, "session not found")
	case errors.Is(err, relayredis.ErrUnavailable), errors.Is(err, relayredis.ErrTimeout):
		log.Error(ctx, err, log.KV{K: "msg", V: "store unavailable"})
		writeError(ctx, w, http.StatusServiceUnavailable, "storage temporarily unavailable")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(ctx, w, http.StatusGatewayTimeout, "timed out waiting for response")
	default:
		log.Error(ctx, err, log.KV{K: "msg", V: "request failed"})
		writeError(ctx, w, http.StatusInternalServerError, "internal error")
	}
}
