package acquire

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingCredentials is returned when neither the environment nor kaggle.json
	// provide credentials
	ErrMissingCredentials = errors.New("dataset provider credentials not found")

	// ErrInvalidCredentials is returned when the provider rejects the credentials
	ErrInvalidCredentials = errors.New("dataset provider rejected credentials")
)

// AcquisitionError reports a failed dataset acquisition step
type AcquisitionError struct {
	Op     string // "credentials", "download" or "extract"
	Detail string // remote status line or body excerpt, when there is one
	Err    error
}

func (e *AcquisitionError) Error() string {
	msg := "dataset acquisition failed during " + e.Op
	if e.Detail != "" {
		msg += fmt.Sprintf(" (%s)", e.Detail)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AcquisitionError) Unwrap() error {
	return e.Err
}
