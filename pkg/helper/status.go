package helper

import "fmt"

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Status is the line the helper answers each command with.
type Status struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func Success() Status {
	return Status{Status: StatusSuccess}
}

func Failure(msg string) Status {
	return Status{Status: StatusError, Message: msg}
}

// Err maps the status to nil or a `*CommandError`.
func (st Status) Err() error {
	switch st.Status {
	case StatusSuccess:
		return nil
	case StatusError:
		return &CommandError{Msg: st.Message}
	default:
		return &CommandError{Msg: fmt.Sprintf("unknown status %q", st.Status)}
	}
}

// CommandError is the failure reported by the helper for a command.
type CommandError struct {
	Msg string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("helper: command failed: %s", e.Msg)
}
