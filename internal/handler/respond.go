// Package handler provides HTTP handlers for the verification API.
package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"verifyd/internal/middleware"
	"verifyd/pkg/errors"
	"verifyd/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

const maxBodyBytes = 1 << 20

func respondJSON(w http.ResponseWriter, log logger.Logger, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error("json encode failed", map[string]interface{}{"error": err.Error()})
	}
}

func respondError(w http.ResponseWriter, log logger.Logger, status int, message string) {
	respondJSON(w, log, status, map[string]string{"error": message})
}

// respondServiceError maps a classified error onto its HTTP status. Internal
// errors are logged and their message is not exposed.
func respondServiceError(w http.ResponseWriter, log logger.Logger, err error, action string) {
	status := errors.HTTPStatus(err)
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway {
		log.Error("Failed to "+action, map[string]interface{}{"error": err.Error()})
		respondError(w, log, status, "Internal server error")
		return
	}

	body := map[string]interface{}{"error": err.Error()}
	var classified *errors.Error
	if errors.As(err, &classified) {
		body["code"] = classified.Code
		body["error"] = classified.Message
		if classified.Retryable {
			body["retryable"] = true
		}
	}
	if status == http.StatusBadGateway {
		log.Warn("Provider error while trying to "+action, map[string]interface{}{"error": err.Error()})
	}
	respondJSON(w, log, status, body)
}

// decodeBody reads a JSON request body, rejecting unknown fields.
func decodeBody(w http.ResponseWriter, r *http.Request, log logger.Logger, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			respondError(w, log, http.StatusBadRequest, "Request body is required")
			return false
		}
		respondError(w, log, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func tenantID(w http.ResponseWriter, r *http.Request, log logger.Logger) (uuid.UUID, bool) {
	id, ok := middleware.TenantIDFromContext(r.Context())
	if !ok {
		respondError(w, log, http.StatusBadRequest, "X-Tenant-ID header required")
	}
	return id, ok
}

func pathID(w http.ResponseWriter, r *http.Request, log logger.Logger, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		respondError(w, log, http.StatusBadRequest, "Invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
