package realtime

import "fmt"

// ErrorKind classifies fatal session errors.
type ErrorKind string

const (
	ErrConnection           ErrorKind = "connection_error"
	ErrConfigurationTimeout ErrorKind = "configuration_timeout"
)

// SessionError is a fatal, user-visible session failure. Retryable errors
// can be recovered by starting a new session.
type SessionError struct {
	Kind      ErrorKind
	Retryable bool
	Message   string
	Err       error
}

func (e *SessionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}
