package types

import "strings"

// FaultType 故障分类，由错误文本推断
type FaultType string

const (
	FaultTimeout            FaultType = "timeout"
	FaultNetwork            FaultType = "network_error"
	FaultRateLimit          FaultType = "rate_limit"
	FaultServiceUnavailable FaultType = "service_unavailable"
	FaultAuthentication     FaultType = "authentication_error"
	FaultValidation         FaultType = "validation_error"
	FaultUnknown            FaultType = "unknown"
)

// faultKeywords 按匹配优先级排列，先命中者胜出
var faultKeywords = []struct {
	fault    FaultType
	keywords []string
}{
	{FaultTimeout, []string{"timeout", "timed out"}},
	{FaultNetwork, []string{"network", "connection", "dns"}},
	{FaultRateLimit, []string{"rate limit", "too many requests"}},
	{FaultServiceUnavailable, []string{"unavailable", "503", "service down"}},
	{FaultAuthentication, []string{"auth", "unauthorized", "401", "403"}},
	{FaultValidation, []string{"validation", "invalid", "bad request"}},
}

// ClassifyFault 按错误消息（不区分大小写）的子串匹配返回故障类型。
func ClassifyFault(err error) FaultType {
	if err == nil {
		return ""
	}
	return ClassifyMessage(err.Error())
}

// ClassifyMessage 对原始消息文本做分类。
func ClassifyMessage(msg string) FaultType {
	lower := strings.ToLower(msg)
	for _, group := range faultKeywords {
		for _, kw := range group.keywords {
			if strings.Contains(lower, kw) {
				return group.fault
			}
		}
	}
	return FaultUnknown
}

// Retryable reports whether a fault of this type may be retried.
// Validation and authentication faults are caller mistakes and fail fast.
func (f FaultType) Retryable() bool {
	return f != FaultValidation && f != FaultAuthentication
}

// Code maps the fault to its ErrorCode.
func (f FaultType) Code() ErrorCode {
	switch f {
	case FaultTimeout:
		return ErrTimeout
	case FaultNetwork:
		return ErrNetwork
	case FaultRateLimit:
		return ErrRateLimit
	case FaultServiceUnavailable:
		return ErrServiceUnavailable
	case FaultAuthentication:
		return ErrAuthentication
	case FaultValidation:
		return ErrValidation
	default:
		return ErrUnknown
	}
}

// NewFaultError wraps err in a structured Error carrying its fault code.
func NewFaultError(service string, err error) *Error {
	fault := ClassifyFault(err)
	return NewError(fault.Code(), err.Error()).
		WithCause(err).
		WithService(service).
		WithRetryable(fault.Retryable()).
		WithHTTPStatus(HTTPStatusFor(fault.Code()))
}
