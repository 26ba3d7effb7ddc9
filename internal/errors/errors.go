package errors

import (
	stdErrors "errors"
	"fmt"
	"maps"
	"sync"
)

// Code 表示系统内的统一错误码。
type Code string

// 错误码。
const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeConfiguration         Code = "CONFIGURATION_ERROR"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
	CodeShapeMismatch         Code = "SHAPE_MISMATCH"
	CodeVerificationFailure   Code = "VERIFICATION_FAILURE"
	CodeAttestationFailure    Code = "ATTESTATION_FAILURE"
	CodeUnlearningFailure     Code = "UNLEARNING_FAILURE"
	CodeQuorumNotMet          Code = "QUORUM_NOT_MET"
	CodeAgentSuspended        Code = "AGENT_SUSPENDED"
)

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

func attrs(msg string, sev Severity, retryable, alert bool) Attributes {
	return Attributes{Message: msg, Severity: sev, Retryable: retryable, Alert: alert}
}

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               attrs("unknown error", SeverityCritical, false, true),
		CodeInvalidArgument:       attrs("invalid argument", SeverityInfo, false, false),
		CodeNotFound:              attrs("resource not found", SeverityInfo, false, false),
		CodeConflict:              attrs("resource conflict", SeverityWarning, false, false),
		CodeConfiguration:         attrs("configuration error", SeverityCritical, false, true),
		CodeInitializationFailure: attrs("initialization failure", SeverityCritical, false, true),
		CodeStorageFailure:        attrs("storage failure", SeverityCritical, true, true),
		CodeQueueFailure:          attrs("queue failure", SeverityCritical, true, true),
		CodeTimeout:               attrs("operation timed out", SeverityWarning, true, false),
		CodeShapeMismatch:         attrs("tensor shape mismatch", SeverityWarning, false, false),
		CodeVerificationFailure:   attrs("proof verification failed", SeverityWarning, false, true),
		CodeAttestationFailure:    attrs("attestation failed", SeverityCritical, true, true),
		CodeUnlearningFailure:     attrs("unlearning failed", SeverityCritical, true, true),
		CodeQuorumNotMet:          attrs("federated quorum not met", SeverityWarning, true, true),
		CodeAgentSuspended:        attrs("agent suspended", SeverityWarning, false, true),
	}
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是系统内统一的错误类型。属性在创建时从注册表解析，可被 Option 覆盖。
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string
	attrs    Attributes
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithRetryable 覆盖是否可重试。
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.attrs.Retryable = retryable }
}

// WithAlert 覆盖是否需要告警。
func WithAlert(alert bool) Option {
	return func(e *Error) { e.attrs.Alert = alert }
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) { e.attrs.Severity = sev }
}

// New 创建一个新的错误实例，message 为空时使用注册表中的描述。
func New(code Code, message string, opts ...Option) *Error {
	e := &Error{code: code, message: message, attrs: AttributesOf(code)}
	if e.message == "" {
		e.message = e.attrs.Message
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	switch {
	case e == nil:
		return ""
	case e.cause != nil:
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	default:
		return fmt.Sprintf("[%s] %s", e.code, e.message)
	}
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 按错误码比较，使 errors.Is(err, Sentinel(code)) 可用。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回不含错误码与原因的描述。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加信息的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	return maps.Clone(e.metadata)
}

// Retryable 判断是否可重试。
func (e *Error) Retryable() bool { return e != nil && e.attrs.Retryable }

// ShouldAlert 判断是否需要告警。
func (e *Error) ShouldAlert() bool { return e != nil && e.attrs.Alert }

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	return e.attrs.Severity
}

func as(err error) (*Error, bool) {
	var target *Error
	if err == nil || !stdErrors.As(err, &target) {
		return nil, false
	}
	return target, true
}

// CodeOf 返回错误链上第一个统一错误的错误码，普通 error 返回 UNKNOWN。
func CodeOf(err error) Code {
	if e, ok := as(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// RetryableError 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	e, ok := as(err)
	return ok && e.Retryable()
}

// ShouldAlert 判断任意 error 是否需要触发告警。
func ShouldAlert(err error) bool {
	e, ok := as(err)
	return ok && e.ShouldAlert()
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	if e, ok := as(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}

// Sentinel 返回仅携带错误码的哨兵错误，便于 errors.Is 比较。
func Sentinel(code Code) *Error {
	return &Error{code: code, message: AttributesOf(code).Message, attrs: AttributesOf(code)}
}

// HasCode 判断 err 链上是否存在指定错误码。
func HasCode(err error, code Code) bool {
	return stdErrors.Is(err, Sentinel(code))
}
