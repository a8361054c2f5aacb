package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors classifying pipeline failures. Stage errors wrap both the
// sentinel and the underlying cause, so callers can errors.Is against either.
var (
	ErrInvalidRequest  = errors.New("invalid request")
	ErrEmbedding       = errors.New("embedding failed")
	ErrRetrieval       = errors.New("retrieval failed")
	ErrGeneration      = errors.New("generation failed")
	ErrContextTooLarge = errors.New("context too large")
)

// RequestError wraps ErrInvalidRequest with the offending field.
type RequestError struct {
	Field string
	Value string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%v: %s (value=%q)", ErrInvalidRequest, e.Field, e.Value)
}

func (e *RequestError) Unwrap() error { return ErrInvalidRequest }
