package workflow

// AutomationError carries a stable code alongside the message so
// callers can route on failure class without string matching.
type AutomationError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e *AutomationError) Error() string {
	return e.Message
}

// Error codes
const (
	ErrCodePoolExhausted    = "POOL_EXHAUSTED"
	ErrCodeWorkflowNotFound = "WORKFLOW_NOT_FOUND"
	ErrCodeElementNotFound  = "ELEMENT_NOT_FOUND"
	ErrCodeActionFailed     = "ACTION_FAILED"
	ErrCodePostCondition    = "POST_CONDITION_FAILED"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeMissingVariable  = "MISSING_VARIABLE"
)

// CodeOf extracts the error code, or empty for foreign errors
func CodeOf(err error) string {
	if ae, ok := err.(*AutomationError); ok {
		return ae.Code
	}
	return ""
}
