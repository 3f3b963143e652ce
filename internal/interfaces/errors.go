package interfaces

import (
	"fmt"
	"strings"
)

// ConfigurationError reports an unusable setting such as a missing API key
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// NoImagesFoundError is returned when a training folder is missing or holds no images
type NoImagesFoundError struct {
	Dir string
	Err error
}

func (e *NoImagesFoundError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("no images found in %s: %v", e.Dir, e.Err)
	}
	return fmt.Sprintf("no images found in %s", e.Dir)
}

func (e *NoImagesFoundError) Unwrap() error {
	return e.Err
}

// RemoteServiceError wraps any failure of an upload, training or inference call
type RemoteServiceError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *RemoteServiceError) Error() string {
	var b strings.Builder
	b.WriteString("remote service error: ")
	b.WriteString(e.Op)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Body != "" {
		b.WriteString(": ")
		b.WriteString(e.Body)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *RemoteServiceError) Unwrap() error {
	return e.Err
}
