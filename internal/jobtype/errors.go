package jobtype

import (
	"fmt"
	"net/http"

	"github.com/repotrial/nedrexapi-v2d/internal/runner"
)

// ValidationError reports a request that cannot become a canonical query.
// A missing required parameter is a 400; a present but unacceptable value is
// a 422.
type ValidationError struct {
	Field         string
	Message       string
	Unprocessable bool
}

func (e *ValidationError) Error() string { return e.Message }

// StatusCode returns the HTTP status the error maps to.
func (e *ValidationError) StatusCode() int {
	if e.Unprocessable {
		return http.StatusUnprocessableEntity
	}
	return http.StatusBadRequest
}

func missing(field, msg string) *ValidationError {
	return &ValidationError{Field: field, Message: msg}
}

func invalid(field, msg string) *ValidationError {
	return &ValidationError{Field: field, Message: msg, Unprocessable: true}
}

// IncompatibleParametersError is returned when the seed type and the network
// choice name no known network.
type IncompatibleParametersError struct {
	SeedType string
	Network  string
}

func (e *IncompatibleParametersError) Error() string {
	return fmt.Sprintf("Network choice (%s) and seed type (%s) are incompatible", e.Network, e.SeedType)
}

// ExecutionError is the failure recorded when an algorithm tool exits
// non-zero.
type ExecutionError = runner.ExecutionError
