// Package models defines the core data structures for CrisisRelay.
//
// It includes crisis sessions, escalation results, audit entries and system alerts,
// which are shared across the session, escalation, monitor and router modules.
package models

import "errors"

// APIStatus is the top-level outcome carried by every HTTP response envelope.
type APIStatus string

const (
	APIStatusOK    APIStatus = "ok"
	APIStatusError APIStatus = "error"
	// APIStatusAccepted means the request was acknowledged locally while delivery continues.
	APIStatusAccepted APIStatus = "accepted"
)

// APIResponse is the JSON envelope written by the HTTP layer.
type APIResponse struct {
	Status string `json:"status"`
	// Code is a stable machine-readable error code, set only on error responses.
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Accepted acknowledges a message whose delivery to other participants may still be in flight.
func Accepted(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusAccepted), Result: result}
}

// Error creates an error API response with a message and no code.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}

// Failure creates an error response for err, coded by the sentinel it wraps.
func Failure(err error) APIResponse {
	return APIResponse{Status: string(APIStatusError), Code: ErrorCode(err), Message: err.Error()}
}

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrInvalidInput, "invalid_input"},
	{ErrUnauthorized, "unauthorized"},
	{ErrForbidden, "forbidden"},
	{ErrNotFound, "not_found"},
	{ErrSessionEnded, "session_ended"},
	{ErrInvalidTransition, "invalid_transition"},
	{ErrSeekerExists, "seeker_exists"},
	{ErrAlreadyLogged, "already_logged"},
	{ErrCapacityExceeded, "capacity_exceeded"},
	{ErrQueueFull, "queue_full"},
	{ErrDeliveryFailure, "delivery_failure"},
	{ErrNotificationFailure, "notification_failure"},
}

// ErrorCode returns the stable code for the first sentinel err wraps, or "internal".
func ErrorCode(err error) string {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}
