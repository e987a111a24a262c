package schema

// GateEvent reports the interactive-input gate state for an instance.
type GateEvent struct {
	Locked  bool   `json:"locked"`
	Message string `json:"message"`
}

// InputResult is the structured outcome of a terminal input attempt.
type InputResult struct {
	OK     bool        `json:"ok"`
	Reason InputReason `json:"reason,omitempty"`
}

// InputReason explains why terminal input was rejected.
type InputReason string

const (
	// InputNotRunning means no live process exists for the instance.
	InputNotRunning InputReason = "not-running"
	// InputStartupPending means the input gate is still locked.
	InputStartupPending InputReason = "startup-pending"
	// InputInvalid means the input was empty or over the length ceiling.
	InputInvalid InputReason = "invalid-input"
)
