package adyen

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidDomainState is matched by every InvalidDomainStateError.
	ErrInvalidDomainState = errors.New("adyen: invalid domain state")
	// ErrMissingConfiguration is matched by every MissingConfigurationError.
	ErrMissingConfiguration = errors.New("adyen: missing gateway configuration")
)

// InvalidDomainStateError reports a missing relation required to build a request,
// such as a payment without an order.
type InvalidDomainStateError struct {
	Intent   Intent
	Relation string
}

func (e *InvalidDomainStateError) Error() string {
	return fmt.Sprintf("adyen: %s request requires %s", e.Intent, e.Relation)
}

func (e *InvalidDomainStateError) Is(target error) bool { return target == ErrInvalidDomainState }

// MissingConfigurationError reports an absent gateway option.
type MissingConfigurationError struct {
	Key string
}

func (e *MissingConfigurationError) Error() string {
	return fmt.Sprintf("adyen: gateway option %q is not configured", e.Key)
}

func (e *MissingConfigurationError) Is(target error) bool { return target == ErrMissingConfiguration }

// APIError is a non-2xx reply from the Checkout API.
type APIError struct {
	StatusCode   int    `json:"status"`
	ErrorCode    string `json:"errorCode"`
	Message      string `json:"message"`
	ErrorType    string `json:"errorType"`
	PSPReference string `json:"pspReference"`
}

func (e *APIError) Error() string {
	if e.ErrorCode == "" {
		return fmt.Sprintf("adyen: http %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("adyen: http %d: %s (%s)", e.StatusCode, e.Message, e.ErrorCode)
}

// Temporary reports whether the request may succeed when retried.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}
