package domain

import (
	"errors"
	"fmt"
	"time"
)

// Category sentinels shared across subsystems.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrShutdown     = fmt.Errorf("fabric shutting down")
)

// Sentinel errors for the fabric domain.
var (
	ErrAgentNotFound = fmt.Errorf("no idle agent for task type")
	ErrTaskNotFound  = fmt.Errorf("task not found")
	ErrAgentTimeout  = fmt.Errorf("agent execution timed out: %w", ErrTimeout)
	ErrQueueFull     = fmt.Errorf("task queue full")
	ErrQuotaExceeded = fmt.Errorf("resource quota exceeded")
	ErrMaxRetries    = fmt.Errorf("max retries exceeded")
	ErrInvalidBinary = fmt.Errorf("invalid agent binary: %w", ErrInvalidInput)
	ErrInternal      = fmt.Errorf("internal fabric error")
	ErrAgentState    = fmt.Errorf("illegal agent state transition")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Executor.Execute")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, so it can wrap a return directly.
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// NewAgentTimeout builds the retryable timeout error for an execution that
// exceeded its effective deadline. The deadline is carried in the detail so
// callers and logs see the enforced limit, not the elapsed time.
func NewAgentTimeout(op string, deadline time.Duration) *DomainError {
	return &DomainError{
		Op:     op,
		Err:    ErrAgentTimeout,
		Detail: fmt.Sprintf("deadline %gs", deadline.Seconds()),
	}
}

// IsRetryable reports whether err is a transient failure the scheduler
// should retry. Task-payload failures and structural errors are not
// retryable; absence of capacity and timeouts are.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrAgentNotFound) || errors.Is(err, ErrAgentTimeout)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown       ErrorCode = "UNKNOWN"
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeDuplicate     ErrorCode = "DUPLICATE"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeInvalidInput  ErrorCode = "INVALID_INPUT"
	CodeShutdown      ErrorCode = "SHUTDOWN"
	CodeAgentNotFound ErrorCode = "AGENT_NOT_FOUND"
	CodeTaskNotFound  ErrorCode = "TASK_NOT_FOUND"
	CodeAgentTimeout  ErrorCode = "AGENT_TIMEOUT"
	CodeQueueFull     ErrorCode = "QUEUE_FULL"
	CodeQuotaExceeded ErrorCode = "QUOTA_EXCEEDED"
	CodeMaxRetries    ErrorCode = "MAX_RETRIES_EXCEEDED"
	CodeInvalidBinary ErrorCode = "INVALID_BINARY"
	CodeInternal      ErrorCode = "INTERNAL"
	CodeAgentState    ErrorCode = "AGENT_STATE"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
// Order matters for overlapping chains: more specific sentinels first.
var errorCodeMap = []struct {
	sentinel error
	code     ErrorCode
}{
	{ErrAgentTimeout, CodeAgentTimeout},
	{ErrAgentNotFound, CodeAgentNotFound},
	{ErrTaskNotFound, CodeTaskNotFound},
	{ErrQueueFull, CodeQueueFull},
	{ErrQuotaExceeded, CodeQuotaExceeded},
	{ErrMaxRetries, CodeMaxRetries},
	{ErrInvalidBinary, CodeInvalidBinary},
	{ErrAgentState, CodeAgentState},
	{ErrInternal, CodeInternal},
	{ErrShutdown, CodeShutdown},
	{ErrTimeout, CodeTimeout},
	{ErrNotFound, CodeNotFound},
	{ErrDuplicate, CodeDuplicate},
	{ErrInvalidInput, CodeInvalidInput},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It walks the error chain with errors.Is, so wrapped DomainErrors resolve
// to their underlying sentinel's code. Returns CodeUnknown if no sentinel
// matches.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	for _, entry := range errorCodeMap {
		if errors.Is(err, entry.sentinel) {
			return entry.code
		}
	}
	return CodeUnknown
}
