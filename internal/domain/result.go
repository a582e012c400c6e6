package domain

// Submission return codes, shared with the external API contract.
const (
	CodeSuccess      = 1
	CodeFailure      = 9
	CodeExisted      = 21
	CodeInQueue      = 22
	CodeQueueFull    = 23
	CodeBannedPrompt = 24
)

// Well-known SubmitResult property keys.
const (
	PropertyDiscordInstanceID = "discordInstanceId"
	PropertyNumberOfQueues    = "numberOfQueues"
)

// SubmitResult is the synchronous answer to a task submission.
type SubmitResult struct {
	Code        int            `json:"code"`
	Description string         `json:"description"`
	Result      string         `json:"result,omitempty"`
	Properties  map[string]any `json:"properties,omitempty"`
}

// NewSubmitResult builds a result with the given code and description.
func NewSubmitResult(code int, description string) *SubmitResult {
	return &SubmitResult{Code: code, Description: description}
}

// SubmitSuccess builds the "submitted" result carrying the task id.
func SubmitSuccess(taskID string) *SubmitResult {
	r := NewSubmitResult(CodeSuccess, "submitted")
	r.Result = taskID
	return r
}

// SubmitFailure builds a FAILURE result with the given reason.
func SubmitFailure(reason string) *SubmitResult {
	return NewSubmitResult(CodeFailure, reason)
}

// WithProperty attaches a property and returns the result for chaining.
func (r *SubmitResult) WithProperty(key string, value any) *SubmitResult {
	if r.Properties == nil {
		r.Properties = map[string]any{}
	}
	r.Properties[key] = value
	return r
}
