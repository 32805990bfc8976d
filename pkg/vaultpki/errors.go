package vaultpki

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	vaultapi "github.com/hashicorp/vault/api"
)

// Sentinel errors classifying failed Vault operations.
var (
	// ErrAuth indicates a bad or expired token (HTTP 401/403).
	// Recoverable via re-authentication; never retried automatically.
	ErrAuth = errors.New("vaultpki: authentication failed")

	// ErrValidation indicates malformed input rejected by Vault (HTTP 400).
	ErrValidation = errors.New("vaultpki: validation failed")

	// ErrPolicyViolation indicates a request rejected by role constraints.
	ErrPolicyViolation = errors.New("vaultpki: policy violation")

	// ErrNotFound indicates an unknown mount path, role, or serial number.
	ErrNotFound = errors.New("vaultpki: not found")

	// ErrConflict indicates a mount path that is already in use.
	ErrConflict = errors.New("vaultpki: conflict")

	// ErrServer indicates a backend failure (HTTP 5xx or 429).
	ErrServer = errors.New("vaultpki: server error")

	// ErrTransport indicates the backend is unreachable.
	ErrTransport = errors.New("vaultpki: transport error")

	// ErrClientClosed indicates an operation on a closed client.
	ErrClientClosed = errors.New("vaultpki: client closed")

	// ErrInvalidConfig indicates invalid client configuration.
	ErrInvalidConfig = errors.New("vaultpki: invalid configuration")
)

// OpError is an error from a single Vault operation with its context.
type OpError struct {
	Op      string // operation that failed
	Path    string // request path if applicable
	Code    int    // HTTP status code if applicable
	Message string // message passthrough from the backend
	Err     error  // classified sentinel or underlying error
}

// Error implements the error interface.
func (e *OpError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("vaultpki %s on %s: %v", e.Op, e.Path, e.errDetail())
	}
	return fmt.Sprintf("vaultpki %s: %v", e.Op, e.errDetail())
}

func (e *OpError) errDetail() string {
	if e.Message != "" {
		return fmt.Sprintf("%v: %s", e.Err, e.Message)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *OpError) Unwrap() error {
	return e.Err
}

// newOpError creates an OpError wrapping a classified error.
func newOpError(op, path string, err error) *OpError {
	var oe *OpError
	if errors.As(err, &oe) {
		// Preserve classification when re-wrapping
		return &OpError{Op: op, Path: path, Code: oe.Code, Message: oe.Message, Err: oe.Err}
	}
	return &OpError{Op: op, Path: path, Err: err}
}

// newValidationError reports client-side input validation failures.
func newValidationError(op, message string) *OpError {
	return &OpError{Op: op, Message: message, Err: ErrValidation}
}

// newConfigError reports configuration problems.
func newConfigError(field, message string) *OpError {
	return &OpError{Op: "config", Path: field, Message: message, Err: ErrInvalidConfig}
}

// classify translates a raw Vault API error into the package taxonomy.
// The Vault server reports several distinct conditions as 400 with a
// message, so classification inspects the response body strings.
func classify(op, path string, err error) error {
	if err == nil {
		return nil
	}

	var respErr *vaultapi.ResponseError
	if !errors.As(err, &respErr) {
		// No HTTP response was received
		return &OpError{Op: op, Path: path, Message: err.Error(), Err: ErrTransport}
	}

	msg := strings.Join(respErr.Errors, "; ")
	oe := &OpError{Op: op, Path: path, Code: respErr.StatusCode, Message: msg}

	switch {
	case respErr.StatusCode == http.StatusUnauthorized || respErr.StatusCode == http.StatusForbidden:
		oe.Err = ErrAuth
	case respErr.StatusCode == http.StatusNotFound:
		oe.Err = ErrNotFound
	case respErr.StatusCode == http.StatusTooManyRequests || respErr.StatusCode >= 500:
		oe.Err = ErrServer
	case respErr.StatusCode == http.StatusBadRequest:
		oe.Err = classifyBadRequest(msg)
	default:
		oe.Err = ErrValidation
	}

	return oe
}

// classifyBadRequest maps Vault's 400 message variants onto the taxonomy.
func classifyBadRequest(msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "path is already in use"):
		return ErrConflict
	case strings.Contains(lower, "no matching mount"),
		strings.Contains(lower, "unable to find"),
		strings.Contains(lower, "not found"),
		strings.Contains(lower, "unknown role"):
		return ErrNotFound
	case strings.Contains(lower, "not allowed by this role"),
		strings.Contains(lower, "not allowed by role"),
		strings.Contains(lower, "policy"):
		return ErrPolicyViolation
	default:
		return ErrValidation
	}
}

// IsRetryable returns true for transient errors that are safe to retry
// with backoff. Validation, policy, auth, not-found and conflict errors
// are never retryable.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrServer) || errors.Is(err, ErrTransport)
}

// IsAuthError returns true if the error is an authentication error.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuth)
}

// IsNotFound returns true if the error indicates an unknown mount path,
// role, or serial number.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict returns true if the error indicates an already-enabled mount.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsPolicyViolation returns true if the request was rejected by role
// constraints.
func IsPolicyViolation(err error) bool {
	return errors.Is(err, ErrPolicyViolation)
}

// IsValidationError returns true if the input was rejected as malformed.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidation)
}
