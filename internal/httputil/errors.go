package httputil

import (
	"encoding/json"
	"net/http"
)

// APIError is the envelope every error response is wrapped in.
type APIError struct {
	Error APIErrorBody `json:"error"`
}

type APIErrorBody struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Code      string `json:"code"`
	HiveReqID string `json:"hive_request_id,omitempty"`

	// Attempted lists the endpoints a failed routing tried, when known.
	Attempted []string `json:"attempted,omitempty"`
}

func WriteError(w http.ResponseWriter, requestID string, statusCode int, errType, code, message string) {
	WriteErrorBody(w, requestID, statusCode, APIErrorBody{
		Message: message,
		Type:    errType,
		Code:    code,
	})
}

func WriteErrorBody(w http.ResponseWriter, requestID string, statusCode int, body APIErrorBody) {
	body.HiveReqID = requestID
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIError{Error: body})
}

func WriteBadRequestError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusBadRequest, "invalid_request_error", "invalid_request", message)
}

func WriteNotFoundError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusNotFound, "invalid_request_error", "not_found", message)
}

func WriteInternalError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusInternalServerError, "server_error", "internal_error", message)
}

// WriteRoutingFailure reports that no endpoint could serve the call, naming
// the attempted endpoints so the caller can decide whether to retry.
func WriteRoutingFailure(w http.ResponseWriter, requestID, message string, attempted []string) {
	WriteErrorBody(w, requestID, http.StatusBadGateway, APIErrorBody{
		Message:   message,
		Type:      "routing_error",
		Code:      "routing_failure",
		Attempted: attempted,
	})
}

func WriteDeadlineError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusGatewayTimeout, "routing_error", "deadline_exceeded", message)
}

func WriteInsufficientQuorumError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusConflict, "consensus_error", "insufficient_quorum", message)
}

func WriteLowAgreementError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusConflict, "consensus_error", "low_agreement", message)
}
