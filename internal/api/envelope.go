package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"token-velocity/internal/query"
)

// Credential errors. Their text is returned to the caller verbatim.
var (
	ErrMissingAPIKey = errors.New("API key is required. Please include X-API-Key header.")
	ErrInvalidAPIKey = errors.New("Invalid API key format.")
)

// Status is the status block present in every response.
type Status struct {
	Timestamp    string  `json:"timestamp"`
	ErrorCode    int     `json:"error_code"`
	ErrorMessage *string `json:"error_message"`
	Elapsed      int64   `json:"elapsed"`
	CreditCount  int     `json:"credit_count"`
}

// Response is the response envelope.
type Response struct {
	Status     Status            `json:"status"`
	Data       any               `json:"data,omitempty"`
	Pagination *query.Pagination `json:"pagination,omitempty"`
}

const timestampLayout = "2006-01-02T15:04:05.000Z"

func newStatus(now, start time.Time, code int, msg string) Status {
	st := Status{
		Timestamp: now.UTC().Format(timestampLayout),
		ErrorCode: code,
		Elapsed:   now.Sub(start).Milliseconds(),
	}
	if code == 0 {
		st.CreditCount = 1
	} else {
		st.ErrorMessage = &msg
	}
	return st
}

func (s *Server) writeOK(w http.ResponseWriter, start time.Time, data any, page *query.Pagination) {
	writeJSON(w, http.StatusOK, Response{
		Status:     newStatus(s.now(), start, 0, ""),
		Data:       data,
		Pagination: page,
	})
}

// writeError maps err onto an HTTP status. Unclassified errors become 500
// with the error text echoed.
func (s *Server) writeError(w http.ResponseWriter, start time.Time, err error) {
	code := errorStatus(err)
	if code == http.StatusInternalServerError {
		s.logger.Printf("request failed: %v", err)
	}
	writeJSON(w, code, Response{Status: newStatus(s.now(), start, code, err.Error())})
}

func errorStatus(err error) int {
	var verr *query.ValidationError
	var nf *query.NotFoundError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.As(err, &nf):
		return http.StatusNotFound
	case errors.Is(err, ErrMissingAPIKey), errors.Is(err, ErrInvalidAPIKey):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
