// Package provider fetches current asset listings from the upstream market-data API.
package provider

import (
	"context"
	"fmt"

	"token-velocity/internal/domain"
)

// Provider returns one page of current listings ranked by market cap.
type Provider interface {
	// Listings fetches listings [start, start+limit). A single attempt, no retries.
	Listings(ctx context.Context, start, limit int) ([]*domain.Listing, error)
}

// StatusError is a non-success upstream response: either an HTTP status other
// than 200 or a non-zero status.error_code in the payload.
type StatusError struct {
	HTTPStatus int
	ErrorCode  int
	Message    string
}

func (e *StatusError) Error() string {
	if e.ErrorCode != 0 {
		return fmt.Sprintf("provider error %d: %s", e.ErrorCode, e.Message)
	}
	return fmt.Sprintf("provider http status %d: %s", e.HTTPStatus, e.Message)
}
