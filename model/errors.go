package model

// Stable error codes surfaced across component boundaries. External APIs map
// these to HTTP statuses; background jobs log them and continue.
const (
	ErrDBUnavailable        = "E_DB_UNAVAILABLE"
	ErrDBSlow               = "E_DB_SLOW"
	ErrDBConstraint         = "E_DB_CONSTRAINT"
	ErrCollectorDisconnect  = "E_COLLECTOR_DISCONNECTED"
	ErrPipelineFull         = "E_PIPELINE_FULL"
	ErrPipelineDropped      = "E_PIPELINE_DROPPED"
	ErrPipelineBackpressure = "E_PIPELINE_BACKPRESSURE"
	ErrValidation           = "E_VALIDATION_FAILED"
	ErrRateLimited          = "E_RATE_LIMITED"
	ErrNotFound             = "E_NOT_FOUND"
	ErrConflict             = "E_CONFLICT"
)

// OperationResult is the typed outcome leaf operations return upward instead
// of raw infrastructure errors.
type OperationResult struct {
	Success      bool   `json:"success"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Ok returns a successful result.
func Ok() OperationResult { return OperationResult{Success: true} }

// Fail returns a failed result with a stable code and message.
func Fail(code, msg string) OperationResult {
	return OperationResult{Success: false, ErrorCode: code, ErrorMessage: msg}
}
