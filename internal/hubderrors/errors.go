// Package hubderrors provides the hub's unified, structured error type.
// Errors of this type never cross the agent-facing wire protocol boundary;
// they exist for host-side logs and the GUI-facing admin API only (see
// spec.md §7 and SPEC_FULL.md §2.3).
package hubderrors

import (
	"fmt"
	"net/http"
)

// ErrorCode identifies a class of hub error.
type ErrorCode string

const (
	// Transport: socket errors local to one connection.
	ErrCodeTransport ErrorCode = "ERR_TRANSPORT_1001"

	// Protocol: malformed wire JSON or missing required fields.
	ErrCodeProtocolParse   ErrorCode = "ERR_PROTOCOL_2001"
	ErrCodeProtocolMissing ErrorCode = "ERR_PROTOCOL_2002"

	// Routing: no project matches.
	ErrCodeRouteMiss ErrorCode = "ERR_ROUTE_3001"

	// Policy: Debug await timeout.
	ErrCodePolicyTimeout ErrorCode = "ERR_POLICY_4001"

	// Store: inconsistent rule/collection state.
	ErrCodeStoreDuplicate   ErrorCode = "ERR_STORE_5001"
	ErrCodeStoreUnknownColl ErrorCode = "ERR_STORE_5002"
	ErrCodeStoreMalformed   ErrorCode = "ERR_STORE_5003"

	// Config: startup configuration problems.
	ErrCodeConfigMissing   ErrorCode = "ERR_CONFIG_6001"
	ErrCodeConfigPersist   ErrorCode = "ERR_CONFIG_6002"
	ErrCodeBindFailed      ErrorCode = "ERR_CONFIG_6003"
)

// HubError is a structured error carrying a code, an HTTP status to use on
// the admin API, optional details, and an optional wrapped cause.
type HubError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

// New builds a HubError with no wrapped cause.
func New(code ErrorCode, message string, httpStatus int) *HubError {
	return &HubError{Code: code, Message: message, HTTPStatus: httpStatus}
}

// Wrap builds a HubError around an underlying cause.
func Wrap(code ErrorCode, message string, httpStatus int, err error) *HubError {
	return &HubError{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

func (e *HubError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *HubError) Unwrap() error {
	return e.Err
}

// WithDetails attaches a detail key/value and returns the same error for
// chaining.
func (e *HubError) WithDetails(key string, value interface{}) *HubError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// BindFailed reports the Ingress Server's listening-socket bind failure
// (spec.md §4.1 start()).
func BindFailed(addr string, err error) *HubError {
	return Wrap(ErrCodeBindFailed, fmt.Sprintf("failed to bind %s", addr), http.StatusInternalServerError, err)
}

// RouteMiss reports a routing decision that produced no project (spec.md §4.2).
func RouteMiss(flowID string) *HubError {
	return New(ErrCodeRouteMiss, "no project matched flow", http.StatusNotFound).WithDetails("flow_id", flowID)
}
