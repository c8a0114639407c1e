package shared

import (
	"fmt"
	"time"
)

// Message discriminators carried on the push channel.
const (
	TypeDebuggerRequest    = "DebuggerRequest"
	TypeDebuggerInfo       = "DebuggerInfo"
	ActionDebuggerResponse = "DebuggerResponse"
)

// DebuggerRequest is pushed to the debugger client for every bridged invocation.
type DebuggerRequest struct {
	Type                 string            `json:"type"`
	RequestID            string            `json:"requestId"`
	SessionID            string            `json:"sessionId,omitempty"`
	FunctionName         string            `json:"functionName"`
	Event                string            `json:"event"`
	EnvironmentVariables map[string]string `json:"environmentVariables"`
}

// DebuggerResponse is sent back by the client. Exactly one of Response and
// ErrorMessage is set.
type DebuggerResponse struct {
	Action       string `json:"action"`
	RequestID    string `json:"requestId"`
	StatusCode   int    `json:"statusCode"`
	Response     string `json:"response,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// DebuggerInfo is a one-way diagnostic notice.
type DebuggerInfo struct {
	Type      string `json:"type"`
	LogLevel  string `json:"logLevel"`
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
}

// NewSuccessResponse builds a 200 reply carrying payload.
func NewSuccessResponse(requestID, payload string) DebuggerResponse {
	if payload == "" {
		payload = "null"
	}
	return DebuggerResponse{
		Action:     ActionDebuggerResponse,
		RequestID:  requestID,
		StatusCode: 200,
		Response:   payload,
	}
}

// NewErrorResponse builds a failed reply.
func NewErrorResponse(requestID string, statusCode int, message string) DebuggerResponse {
	if message == "" {
		message = "unknown error"
	}
	return DebuggerResponse{
		Action:       ActionDebuggerResponse,
		RequestID:    requestID,
		StatusCode:   statusCode,
		ErrorMessage: message,
	}
}

// Validate checks the reply invariants before it is written to the correlation store.
func (r DebuggerResponse) Validate() error {
	if r.RequestID == "" {
		return fmt.Errorf("%w: requestId is required", ErrInvalidInput)
	}
	if r.StatusCode == 0 {
		return fmt.Errorf("%w: statusCode must be non-zero", ErrInvalidInput)
	}
	if (r.Response == "") == (r.ErrorMessage == "") {
		return fmt.Errorf("%w: exactly one of response and errorMessage must be set", ErrInvalidInput)
	}
	return nil
}

// NewDebuggerInfo stamps a notice with the current time.
func NewDebuggerInfo(level, message string) DebuggerInfo {
	return DebuggerInfo{
		Type:      TypeDebuggerInfo,
		LogLevel:  level,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Message:   message,
	}
}
