package models

import "errors"

// Structural errors are surfaced to the immediate caller.
var (
	ErrNotFound         = errors.New("not found")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrCapacityExceeded = errors.New("capacity exceeded")
)

// Per-target errors are recorded in results rather than returned from the overall operation.
var (
	ErrDeliveryFailure     = errors.New("delivery failure")
	ErrNotificationFailure = errors.New("notification failure")
)

var (
	ErrSeekerExists      = errors.New("session already has a crisis seeker")
	ErrInvalidTransition = errors.New("invalid session status transition")
	ErrSessionEnded      = errors.New("session has ended")
	ErrAlreadyLogged     = errors.New("escalation already logged")
	ErrQueueFull         = errors.New("message queue full")
	ErrInvalidInput      = errors.New("invalid input")
)

// DeliveryFailure records one connection that did not receive a routed message.
type DeliveryFailure struct {
	ConnectionID string `json:"connection_id"`
	Error        string `json:"error"`
}
