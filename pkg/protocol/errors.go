package protocol

// CodedError is a turn failure carrying a fixed wire code and no custom
// message. The coordinator maps it to an ErrorEvent verbatim.
type CodedError struct {
	Code       ErrorCode
	AllowRetry bool
}

func (e *CodedError) Error() string {
	return "turn failed: " + string(e.Code)
}

// UserError is a turn failure with a user-facing message. Not retryable
// unless AllowRetry is set.
type UserError struct {
	Message    string
	AllowRetry bool
}

func (e *UserError) Error() string {
	return "turn failed: " + e.Message
}
