package engine

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/basket/agentq/internal/quota"
	"github.com/basket/agentq/internal/toolcall"
)

// Kind splits failures for the retry policy: transient failures are retried
// without counting as mistakes, agent failures feed the circuit breaker.
type Kind string

const (
	KindTransient Kind = "transient"
	KindAgent     Kind = "agent"
)

type agentError struct{ err error }

func (e *agentError) Error() string { return e.err.Error() }
func (e *agentError) Unwrap() error { return e.err }

// AgentError marks err as caused by the agent itself: a malformed tool call,
// a failed tool execution, a policy violation.
func AgentError(err error) error {
	if err == nil {
		return nil
	}
	return &agentError{err: err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; the message fails at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as an infrastructure failure, overriding the default
// that tool execution errors are the agent's fault.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// KindOf classifies err for the failure policy. Unmarked errors are transient
// here; the runner passes gateway errors through blame first.
func KindOf(err error) Kind {
	var te *transientError
	if errors.As(err, &te) {
		return KindTransient
	}
	var ae *agentError
	if errors.As(err, &ae) {
		return KindAgent
	}
	var ve *toolcall.ValidationError
	if errors.As(err, &ve) {
		return KindAgent
	}
	return KindTransient
}

// IsPermanent reports whether err should fail the message without retry.
func IsPermanent(err error) bool {
	var pe *permanentError
	if errors.As(err, &pe) {
		return true
	}
	if errors.Is(err, quota.ErrQuotaExceeded) {
		return false
	}
	return ClassifyError(err) == ErrorClassContextOverflow
}

func isMarkedTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// infraError reports whether an unmarked error looks like the environment
// failing rather than the agent: timeouts, rate limits, credentials, an
// unreachable or overloaded upstream.
func infraError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		errors.Is(err, quota.ErrQuotaExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	switch ClassifyError(err) {
	case ErrorClassTimeout, ErrorClassRateLimit, ErrorClassAuth, ErrorClassBilling, ErrorClassUnavailable:
		return true
	}
	return false
}

// blame settles who is at fault for a failed step or tool call. Marked errors
// keep their kind. An unmarked error is the agent's mistake unless it looks
// like infrastructure or is already permanent.
func blame(err error) error {
	if err == nil || isMarkedTransient(err) || KindOf(err) == KindAgent {
		return err
	}
	if infraError(err) || IsPermanent(err) {
		return err
	}
	return AgentError(err)
}

// ErrorClass categorizes gateway errors for logging and failover decisions.
type ErrorClass string

const (
	// ErrorClassAuth indicates authentication/authorization failures (401, invalid key).
	ErrorClassAuth ErrorClass = "AUTH"

	// ErrorClassRateLimit indicates rate limiting or quota exhaustion (429).
	ErrorClassRateLimit ErrorClass = "RATE_LIMIT"

	// ErrorClassTimeout indicates request timeout or deadline exceeded.
	ErrorClassTimeout ErrorClass = "TIMEOUT"

	// ErrorClassBilling indicates billing or payment issues.
	ErrorClassBilling ErrorClass = "BILLING"

	// ErrorClassUnavailable indicates the upstream is down or overloaded (5xx, refused connections).
	ErrorClassUnavailable ErrorClass = "UNAVAILABLE"

	// ErrorClassContextOverflow indicates the prompt exceeded the model's context window.
	ErrorClassContextOverflow ErrorClass = "CONTEXT_OVERFLOW"

	// ErrorClassUnknown is the default for unrecognized errors.
	ErrorClassUnknown ErrorClass = "UNKNOWN"
)

// ClassifyError inspects the error message for known patterns and returns
// the most specific ErrorClass that matches.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	if errors.Is(err, quota.ErrQuotaExceeded) {
		return ErrorClassRateLimit
	}
	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "401") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid key") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, "403") {
		return ErrorClassAuth
	}

	if strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "too many requests") {
		return ErrorClassRateLimit
	}

	if strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") {
		return ErrorClassTimeout
	}

	if strings.Contains(msg, "billing") ||
		strings.Contains(msg, "payment") ||
		strings.Contains(msg, "insufficient funds") {
		return ErrorClassBilling
	}

	if strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "bad gateway") ||
		strings.Contains(msg, "service unavailable") ||
		strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") {
		return ErrorClassUnavailable
	}

	if strings.Contains(msg, "context_length") ||
		strings.Contains(msg, "context length") ||
		strings.Contains(msg, "token limit") ||
		strings.Contains(msg, "max tokens") ||
		strings.Contains(msg, "maximum context") ||
		strings.Contains(msg, "context window") {
		return ErrorClassContextOverflow
	}

	return ErrorClassUnknown
}
