package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("invalid input")
	ErrConflict     = errors.New("conflicting rule status")
	ErrWSDisconnect = errors.New("websocket disconnected")
)

// APIError is an error returned by the trading API with the HTTP status code
// attached. The executor's failure classifier inspects the status code to
// decide whether a failed order submission is permanent or transient.
type APIError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("trading api: status %d: %s", e.StatusCode, e.Message)
}
