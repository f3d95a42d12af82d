package core

import (
	"errors"
	"fmt"
)

// Machine-readable reason tokens surfaced to callers.
const (
	ReasonValidation         = "validation"
	ReasonOwnership          = "ownership"
	ReasonSafelisted         = "safelisted"
	ReasonQuotaExceeded      = "quota_exceeded"
	ReasonNotFound           = "not_found"
	ReasonConflict           = "conflict"
	ReasonUnauthenticated    = "unauthenticated"
	ReasonForbidden          = "forbidden"
	ReasonRateLimited        = "rate_limited"
	ReasonShuttingDown       = "shutting_down"
	ReasonInternal           = "internal"
	ReasonDependencyDegraded = "dependency_degraded"
)

// Guardrail rejection reasons. These also label the
// prefixd_guardrail_rejections_total counter.
const (
	RejectIPv6NotSupported = "ipv6_not_supported"
	RejectInvalidIP        = "invalid_ip"
	RejectPrefixMismatch   = "prefix_mismatch"
	RejectUnknownAsset     = "unknown_asset"
	RejectSafelisted       = "safelisted"
	RejectTooManyPorts     = "too_many_ports"
	RejectTTLMissing       = "ttl_missing"
	RejectTTLOutOfRange    = "ttl_out_of_range"
	RejectQuotaCustomer    = "quota_customer_exceeded"
	RejectQuotaPOP         = "quota_pop_exceeded"
	RejectQuotaGlobal      = "quota_global_exceeded"
	RejectInvalidRate      = "invalid_rate"
)

// Domain sentinel errors.
var (
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrShuttingDown   = errors.New("shutting down")
	ErrDuplicateEvent = errors.New("duplicate event")
	ErrTerminalState  = errors.New("mitigation in terminal state")
)

// RejectError is a guardrail rejection. It carries the machine-readable
// reason persisted to audit and returned to the ingest caller.
type RejectError struct {
	Reason string
	Detail string
}

func (e *RejectError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("guardrail reject: %s", e.Reason)
	}
	return fmt.Sprintf("guardrail reject: %s (%s)", e.Reason, e.Detail)
}

// Rejectf builds a RejectError with a formatted detail message.
func Rejectf(reason, format string, args ...any) *RejectError {
	return &RejectError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// AsReject unwraps err into a RejectError if it is one.
func AsReject(err error) (*RejectError, bool) {
	var re *RejectError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// QuotaReason maps a guardrail rejection to the caller-facing reason token.
func QuotaReason(reject string) string {
	switch reject {
	case RejectQuotaCustomer, RejectQuotaPOP, RejectQuotaGlobal:
		return ReasonQuotaExceeded
	case RejectSafelisted:
		return ReasonSafelisted
	case RejectUnknownAsset:
		return ReasonOwnership
	}
	return ReasonValidation
}
