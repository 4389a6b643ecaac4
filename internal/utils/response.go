package utils

import "time"

// APIResponse is the envelope for every endpoint. Code carries a stable
// identifier for business rejections (sold_out, already_enrolled, ...)
// so checkout clients branch on it instead of parsing Message.
type APIResponse struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Code      string      `json:"code,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

func SuccessResponse(message string, data interface{}) APIResponse {
	return APIResponse{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now(),
	}
}

func ErrorResponse(message, error string) APIResponse {
	return APIResponse{
		Success:   false,
		Message:   message,
		Error:     error,
		Timestamp: time.Now(),
	}
}

// RejectResponse is ErrorResponse with a machine-readable code for
// expected business outcomes.
func RejectResponse(message, error, code string) APIResponse {
	resp := ErrorResponse(message, error)
	resp.Code = code
	return resp
}
