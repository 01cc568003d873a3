package tools

import "strings"

// ResultStatus is the normalized status returned by a tool executor.
type ResultStatus string

const (
	ResultStatusSuccess ResultStatus = "success"
	ResultStatusError   ResultStatus = "error"
)

// ErrorCode is a stable, machine-readable tool error code.
type ErrorCode string

const (
	ErrorCodeNotFound    ErrorCode = "NOT_FOUND"
	ErrorCodeInvalidArgs ErrorCode = "INVALID_ARGS"
	ErrorCodeUnavailable ErrorCode = "UNAVAILABLE"
	ErrorCodeTimeout     ErrorCode = "TIMEOUT"
	ErrorCodeCanceled    ErrorCode = "CANCELED"
	ErrorCodeUnknown     ErrorCode = "UNKNOWN"
)

// ToolError carries structured tool failure metadata.
type ToolError struct {
	Code      ErrorCode      `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

func (e *ToolError) Normalize() {
	if e == nil {
		return
	}
	e.Message = strings.TrimSpace(e.Message)
	if e.Message == "" {
		e.Message = "Tool failed"
	}
	if e.Code == "" {
		e.Code = ErrorCodeUnknown
	}
	if len(e.Meta) == 0 {
		e.Meta = nil
	}
}

// ResultEnvelope is the normalized payload written back to the model as a
// tool-result content part.
type ResultEnvelope struct {
	ToolID string       `json:"tool_id"`
	Status ResultStatus `json:"status"`
	Result any          `json:"result,omitempty"`
	Error  *ToolError   `json:"error,omitempty"`
}

func (e *ResultEnvelope) Normalize() {
	if e == nil {
		return
	}
	e.ToolID = strings.TrimSpace(e.ToolID)
	if e.Status == "" {
		e.Status = ResultStatusError
	}
	if e.Error != nil {
		e.Error.Normalize()
	}
}
