// Package faults defines the typed error taxonomy shared across the service.
// Handlers map these to HTTP status codes with errors.As; everything else
// just wraps and returns them.
package faults

import "fmt"

// ValidationError rejects malformed input. Field names the offending input
// field in its wire spelling.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func Invalid(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// NotFoundError reports a missing entity by kind and id.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func NotFound(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

// ForbiddenError denies access without naming the resource or the reason.
type ForbiddenError struct{}

func (e *ForbiddenError) Error() string { return "not authorized" }

func Forbidden() *ForbiddenError { return &ForbiddenError{} }

// InvalidTransitionError rejects an illegal state-machine move.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot transition from %s to %s", e.From, e.To)
}

// UpstreamError wraps a failure from a dependency (geocoder, push provider,
// broker) so callers can tell their own bugs from the outside world's.
type UpstreamError struct {
	Name string
	Err  error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %v", e.Name, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func Upstream(name string, err error) *UpstreamError {
	return &UpstreamError{Name: name, Err: err}
}
