package model

import (
	"errors"
	"fmt"
)

// Class is the failure class reported to clients, logs and metrics.
type Class string

const (
	ClassInvalidTarget Class = "InvalidTarget"
	ClassTimeout       Class = "UpstreamTimeout"
	ClassUnreachable   Class = "UpstreamUnreachable"
	ClassProtocol      Class = "UpstreamProtocolError"
	ClassHTTPError     Class = "UpstreamHTTPError"
	ClassDecode        Class = "DecodeError"
	ClassTooLarge      Class = "PayloadTooLarge"
	ClassCanceled      Class = "ClientCanceled"
)

var (
	// ErrInvalidTarget is returned when the url parameter is missing or not an absolute http(s) URL.
	ErrInvalidTarget = errors.New("target must be an absolute http or https URL")
	// ErrPayloadTooLarge is returned when a page document exceeds the buffering limit.
	ErrPayloadTooLarge = errors.New("document exceeds buffering limit")
	// ErrTooManyRedirects is returned when the origin exceeds the redirect hop limit.
	ErrTooManyRedirects = errors.New("too many redirects")
)

// Error is a classified proxy failure for one target.
type Error struct {
	Class  Class
	Target string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Class, e.Target)
	}
	return fmt.Sprintf("%s: %s: %v", e.Class, e.Target, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// DecodeError reports malformed compressed data from the origin.
type DecodeError struct {
	Encoding Encoding
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s body: %v", e.Encoding, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ClassOf returns the failure class carried by err. Unclassified errors
// are reported as protocol errors.
func ClassOf(err error) Class {
	var de *DecodeError
	if errors.As(err, &de) {
		return ClassDecode
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Class
	}
	switch {
	case errors.Is(err, ErrInvalidTarget):
		return ClassInvalidTarget
	case errors.Is(err, ErrPayloadTooLarge):
		return ClassTooLarge
	}
	return ClassProtocol
}
