package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"vfscore/internal/contextutil"
	"vfscore/internal/vfserr"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 8 << 20

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
	// Code is the stable error code, e.g. "folder_depth_limit".
	Code string `json:"code"`
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	switch vfserr.KindOf(err) {
	case vfserr.KindNotFound:
		return http.StatusNotFound
	case vfserr.KindAlreadyExists, vfserr.KindConflict, vfserr.KindInvalidState:
		return http.StatusConflict
	case vfserr.KindInvalidArgument, vfserr.KindSerialization:
		return http.StatusBadRequest
	case vfserr.KindPool:
		return http.StatusServiceUnavailable
	case vfserr.KindModel:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError logs err and writes it as JSON. Server-side failures are logged
// at error level and their message is not echoed to the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	logger := contextutil.LoggerFromContext(ctx)
	status := statusFor(err)

	msg := err.Error()
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable && status != http.StatusBadGateway {
		logger.ErrorContext(ctx, "request failed", "error", err)
		msg = http.StatusText(status)
	} else {
		logger.WarnContext(ctx, "request rejected", "status", status, "error", err)
	}
	writeJSON(w, r, status, ErrorResponse{Error: msg, Code: vfserr.CodeOf(err)})
}

// writeStatus writes a plain error status with message.
func writeStatus(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, r, status, ErrorResponse{Error: message, Code: code})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		contextutil.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "failed to encode response", "error", err)
	}
}

// decodeJSON reads a JSON body into v, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return vfserr.Invalid("http.decode", vfserr.CodeInvalidArgument, "invalid request body: "+err.Error())
	}
	return nil
}

func queryBool(r *http.Request, key string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return v
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, vfserr.Invalid("http.query", vfserr.CodeInvalidArgument, key+" must be an integer")
	}
	return n, nil
}

// optionalString returns nil for an empty query value.
func optionalString(r *http.Request, key string) *string {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return nil
	}
	return &v
}
