package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// respondJSON sends a JSON response
func respondJSON(logger *zap.Logger, w http.ResponseWriter, status int, data interface{}, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode response",
			zap.String("request_id", requestID),
			zap.Error(err),
		)
	}
}

// respondError sends an error response
func respondError(logger *zap.Logger, w http.ResponseWriter, status int, message, requestID string) {
	respondJSON(logger, w, status, map[string]string{
		"error":      message,
		"request_id": requestID,
	}, requestID)
}
