// Package tools resolves named capabilities and invokes them. The pipeline treats
// every tool as opaque; only its declared kind and risk level matter to policy.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/elizaOS/milaidy-sub002/models"
)

var (
	// ErrToolNotFound is returned when a tool is not registered
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolAlreadyRegistered is returned when trying to register a duplicate tool
	ErrToolAlreadyRegistered = errors.New("tool already registered")
)

// Definition declares what a tool is. Risk comes from here, never from the caller.
type Definition struct {
	Name        string            `json:"name" validate:"required,max=128"`
	Integration string            `json:"integration,omitempty" validate:"max=64"`
	Kind        models.ActionKind `json:"kind" validate:"required,oneof=tool_call wallet_sign polymarket_read polymarket_bet"`
	RiskLevel   models.RiskLevel  `json:"risk_level" validate:"required,oneof=safe can_execute can_spend"`
	Description string            `json:"description,omitempty"`
}

// Handler runs a tool
type Handler func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// Invoker is the tool layer seen by the pipeline
type Invoker interface {
	Invoke(ctx context.Context, toolName string, input json.RawMessage) (json.RawMessage, error)
}

// Catalog resolves tool definitions
type Catalog interface {
	Lookup(name string) (Definition, error)
}

// ToolError is a failure reported by a tool or its transport
type ToolError struct {
	// Tool that generated the error
	Tool string

	// Code is a machine-readable error code
	Code string

	// Message is the error message
	Message string

	// StatusCode is the HTTP status code, if the tool is remote
	StatusCode int

	// Retryable indicates the call may succeed if repeated
	Retryable bool

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface
func (e *ToolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Tool, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Tool, e.Message)
}

// Unwrap implements error unwrapping
func (e *ToolError) Unwrap() error {
	return e.Cause
}

// NewToolError creates a new tool error
func NewToolError(tool, code, message string, statusCode int, retryable bool, cause error) *ToolError {
	return &ToolError{
		Tool:       tool,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Retryable:  retryable,
		Cause:      cause,
	}
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr.Retryable
	}
	return false
}
