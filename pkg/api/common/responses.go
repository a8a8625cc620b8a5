package common

// ErrorResponse represents a standard error response used across all endpoints
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code,omitempty"`    // stable machine-readable error code
	Details map[string]interface{} `json:"details,omitempty"` // additional error context
}

// SuccessResponse represents a standard success response used across all endpoints
type SuccessResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}
