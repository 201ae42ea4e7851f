package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// ErrorKind classifies an error for retry and outcome decisions.
type ErrorKind string

const (
	// KindInput marks bad caller input (empty name, malformed URL).
	// Rejected before a job is created; never retried.
	KindInput ErrorKind = "input"
	// KindTransient marks network errors, 5xx, 429, SSL handshakes and
	// sub-threshold timeouts. Retried with backoff.
	KindTransient ErrorKind = "transient"
	// KindQuota marks hard provider limits. Backed off to the next
	// rate-limit window rather than retried immediately.
	KindQuota ErrorKind = "quota"
	// KindSchema marks LLM output that failed schema validation after
	// all re-prompts. The phase is downgraded, not the job.
	KindSchema ErrorKind = "schema"
	// KindPermanent marks non-retryable failures (4xx auth, empty
	// target site, malformed URL discovered mid-run).
	KindPermanent ErrorKind = "permanent"
	// KindInternal marks bugs and violated invariants.
	KindInternal ErrorKind = "internal"
)

// KindError attaches an ErrorKind to an underlying error.
type KindError struct {
	Kind ErrorKind
	Err  error
}

func (e *KindError) Error() string { return e.Err.Error() }
func (e *KindError) Unwrap() error { return e.Err }

// WithKind wraps err with an explicit kind. Returns nil if err is nil.
func WithKind(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: err}
}

// Classify resolves the kind of an error chain. Explicit KindError wins;
// TransientError and network heuristics map to KindTransient; everything
// else is KindPermanent.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	if IsTransient(err) {
		return KindTransient
	}
	return KindPermanent
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return Classify(err) == kind
}

// TransientError wraps an error that is safe to retry (e.g., 429, 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, carries KindTransient, or matches common transient error
// patterns (network timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind == KindTransient
	}

	// Check for explicit TransientError in chain.
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	// Check for network-level transient errors.
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Connection reset / refused / DNS.
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"ssl handshake",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsConnectionError returns true for SSL/connection-level failures that
// the batch coordinator treats as a signal to drop concurrency.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"ssl handshake",
		"tls handshake",
		"broken pipe",
		"connection refused",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}
