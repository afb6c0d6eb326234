package logdna

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrDelivery matches every failed batch delivery via errors.Is.
var ErrDelivery = errors.New("encountered server error")

// DeliveryError reports a failed batch delivery.
// Params: StatusCode is the HTTP status (0 for transport failures); Err is the transport cause.
// Returns: generic failure; remote error details are logged, not embedded.
type DeliveryError struct {
	StatusCode int
	Err        error
}

// Error renders the generic failure text.
// Params: none.
// Returns: error message.
func (e *DeliveryError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("logdna: %s (HTTP %d)", ErrDelivery.Error(), e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("logdna: %s: %v", ErrDelivery.Error(), e.Err)
	}
	return "logdna: " + ErrDelivery.Error()
}

// Unwrap exposes the transport cause.
// Params: none.
// Returns: wrapped error or nil.
func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrDelivery) match any delivery error.
// Params: target compared error.
// Returns: true for ErrDelivery.
func (e *DeliveryError) Is(target error) bool {
	return target == ErrDelivery
}

// Temporary reports whether resending the same batch later can succeed.
// Params: none.
// Returns: true for transport failures, 408, 429 and 5xx.
func (e *DeliveryError) Temporary() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= http.StatusInternalServerError:
		return true
	default:
		return false
	}
}
