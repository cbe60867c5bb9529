// Package utils holds small HTTP helpers shared by the handlers.
package utils

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// RespondWithError sends an error response
func RespondWithError(w http.ResponseWriter, code int, message string) {
	RespondWithJSON(w, code, ErrorResponse{Error: message})
}

// RespondWithRequestError sends an error response tagged with the request id.
func RespondWithRequestError(w http.ResponseWriter, code int, message, requestID string) {
	RespondWithJSON(w, code, ErrorResponse{Error: message, RequestID: requestID})
}

// RespondWithJSON sends a JSON response
func RespondWithJSON(w http.ResponseWriter, code int, payload interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "Failed to encode response: "+err.Error(), http.StatusInternalServerError)
		return err
	}
	return nil
}

// RequestError is a client error found while decoding a request body.
type RequestError struct {
	Status  int
	Message string
}

func (e *RequestError) Error() string { return e.Message }

// DecodeJSONBody decodes at most maxBytes of r's body into dst. Failures are
// returned as *RequestError carrying the status to answer with.
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, maxBytes int64) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return &RequestError{Status: http.StatusBadRequest, Message: fmt.Sprintf("Request body must not exceed %d bytes", maxBytes)}
		case errors.Is(err, io.EOF):
			return &RequestError{Status: http.StatusBadRequest, Message: "Request body must not be empty"}
		case errors.As(err, &syntaxErr), errors.Is(err, io.ErrUnexpectedEOF):
			return &RequestError{Status: http.StatusBadRequest, Message: "Request body contains malformed JSON"}
		case errors.As(err, &typeErr):
			return &RequestError{Status: http.StatusBadRequest, Message: fmt.Sprintf("Invalid value for field %q", typeErr.Field)}
		default:
			return &RequestError{Status: http.StatusBadRequest, Message: "Invalid request body"}
		}
	}
	if dec.More() {
		return &RequestError{Status: http.StatusBadRequest, Message: "Request body must contain a single JSON object"}
	}
	return nil
}
