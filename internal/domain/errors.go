package domain

import "errors"

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// NetworkError represents a transport failure (exchange socket, log or store connection).
type NetworkError struct {
	Op        string // Operation that failed (e.g., "dial", "read", "subscribe")
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// ConfigError is the only error class allowed to stop a service, and only before its loop starts.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

var (
	// ErrUnknownExchange is returned for a venue outside the supported set.
	ErrUnknownExchange = errors.New("unknown exchange")

	// ErrMalformedRecord is returned when a log record is missing fields or carries unparsable values.
	ErrMalformedRecord = errors.New("malformed record")

	// ErrInvalidPrice is returned when a price is not a finite, non-negative number.
	ErrInvalidPrice = errors.New("invalid price")

	// ErrUnmappedSymbol is returned when a raw symbol has no canonical mapping.
	ErrUnmappedSymbol = errors.New("unmapped symbol")
)
