package domain

import (
	"errors"
	"fmt"
)

// Category sentinels, combined with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrDisabled     = fmt.Errorf("disabled")
	ErrClosed       = fmt.Errorf("closed")
)

// Router sentinels. Only these are fatal to a single Step.
var (
	ErrInvalidHandoff  = fmt.Errorf("invalid handoff")
	ErrBudgetExceeded  = fmt.Errorf("iteration budget exceeded")
	ErrTerminalReached = fmt.Errorf("terminal reached")
	ErrNotSubmitted    = fmt.Errorf("session has no objective")
	ErrAgentNotFound   = fmt.Errorf("agent not found")
	ErrToolNotFound    = fmt.Errorf("tool not found")
)

// Tool and approval sentinels. These surface as outcomes, not Step errors.
var (
	ErrTransientFailure = fmt.Errorf("transient failure")
	ErrPermanentFailure = fmt.Errorf("permanent failure")
	ErrCircuitOpen      = fmt.Errorf("circuit open")
	ErrNotApproved      = fmt.Errorf("not approved")
	ErrAlreadyResolved  = fmt.Errorf("approval already resolved")
)

// Backend sentinels.
var (
	ErrConfigLoad      = fmt.Errorf("failed to load configuration")
	ErrDecryption      = fmt.Errorf("decryption failed")
	ErrMemoryStore     = fmt.Errorf("memory store failed")
	ErrVectorStore     = fmt.Errorf("vector store operation failed")
	ErrEmbeddingFailed = fmt.Errorf("embedding generation failed")
	ErrRecorder        = fmt.Errorf("session recorder failed")
	ErrReplay          = fmt.Errorf("session replay failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Gateway.Invoke")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "approval", "agent"); used for ErrorCode dispatch
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

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// HandoffError reports a handoff to a target outside the requester's allowed set.
type HandoffError struct {
	From string
	To   string
}

func (e *HandoffError) Error() string {
	return fmt.Sprintf("%s: %q may not hand off to %q", ErrInvalidHandoff, e.From, e.To)
}

func (e *HandoffError) Unwrap() error { return ErrInvalidHandoff }

// IsTerminal reports whether err ends a session normally rather than failing it.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrTerminalReached) || errors.Is(err, ErrBudgetExceeded)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown           ErrorCode = "UNKNOWN"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeDuplicate         ErrorCode = "DUPLICATE"
	CodeTimeout           ErrorCode = "TIMEOUT"
	CodeInvalidInput      ErrorCode = "INVALID_INPUT"
	CodeDisabled          ErrorCode = "DISABLED"
	CodeInvalidHandoff    ErrorCode = "INVALID_HANDOFF"
	CodeBudgetExceeded    ErrorCode = "BUDGET_EXCEEDED"
	CodeTerminalReached   ErrorCode = "TERMINAL_REACHED"
	CodeNotSubmitted      ErrorCode = "NOT_SUBMITTED"
	CodeAgentNotFound     ErrorCode = "AGENT_NOT_FOUND"
	CodeToolNotFound      ErrorCode = "TOOL_NOT_FOUND"
	CodeTransientFailure  ErrorCode = "TRANSIENT_FAILURE"
	CodePermanentFailure  ErrorCode = "PERMANENT_FAILURE"
	CodeCircuitOpen       ErrorCode = "CIRCUIT_OPEN"
	CodeNotApproved       ErrorCode = "NOT_APPROVED"
	CodeAlreadyResolved   ErrorCode = "ALREADY_RESOLVED"
	CodeConfigLoad        ErrorCode = "CONFIG_LOAD"
	CodeDecryption        ErrorCode = "DECRYPTION"
	CodeMemoryStore       ErrorCode = "MEMORY_STORE"
	CodeVectorStore       ErrorCode = "VECTOR_STORE"
	CodeEmbeddingFailed   ErrorCode = "EMBEDDING_FAILED"
	CodeRecorder          ErrorCode = "RECORDER"
	CodeReplay            ErrorCode = "REPLAY"
	CodeApprovalNotFound  ErrorCode = "APPROVAL_NOT_FOUND"
	CodeSessionNotFound   ErrorCode = "SESSION_NOT_FOUND"
	CodeAgentDuplicate    ErrorCode = "AGENT_DUPLICATE"
	CodeToolDuplicate     ErrorCode = "TOOL_DUPLICATE"
	CodeApprovalTimeout   ErrorCode = "APPROVAL_TIMEOUT"
	CodeToolTimeout       ErrorCode = "TOOL_TIMEOUT"
	CodeToolInvalidParams ErrorCode = "TOOL_INVALID_PARAMS"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:         CodeNotFound,
	ErrDuplicate:        CodeDuplicate,
	ErrTimeout:          CodeTimeout,
	ErrInvalidInput:     CodeInvalidInput,
	ErrDisabled:         CodeDisabled,
	ErrInvalidHandoff:   CodeInvalidHandoff,
	ErrBudgetExceeded:   CodeBudgetExceeded,
	ErrTerminalReached:  CodeTerminalReached,
	ErrNotSubmitted:     CodeNotSubmitted,
	ErrAgentNotFound:    CodeAgentNotFound,
	ErrToolNotFound:     CodeToolNotFound,
	ErrTransientFailure: CodeTransientFailure,
	ErrPermanentFailure: CodePermanentFailure,
	ErrCircuitOpen:      CodeCircuitOpen,
	ErrNotApproved:      CodeNotApproved,
	ErrAlreadyResolved:  CodeAlreadyResolved,
	ErrConfigLoad:       CodeConfigLoad,
	ErrDecryption:       CodeDecryption,
	ErrMemoryStore:      CodeMemoryStore,
	ErrVectorStore:      CodeVectorStore,
	ErrEmbeddingFailed:  CodeEmbeddingFailed,
	ErrRecorder:         CodeRecorder,
	ErrReplay:           CodeReplay,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"approval": CodeApprovalNotFound,
		"session":  CodeSessionNotFound,
		"agent":    CodeAgentNotFound,
		"tool":     CodeToolNotFound,
	},
	ErrDuplicate: {
		"agent": CodeAgentDuplicate,
		"tool":  CodeToolDuplicate,
	},
	ErrTimeout: {
		"approval": CodeApprovalTimeout,
		"tool":     CodeToolTimeout,
	},
	ErrInvalidInput: {
		"tool": CodeToolInvalidParams,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
