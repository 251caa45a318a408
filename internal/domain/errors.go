package domain

import (
	"errors"
	"fmt"
)

// ErrorCategory tags a failure so callers can decide the next action:
// retry, re-authenticate, refresh the URL, or free disk space.
type ErrorCategory string

const (
	CategoryTransient        ErrorCategory = "transient"
	CategoryAuth             ErrorCategory = "auth"
	CategoryURLExpired       ErrorCategory = "url_expired"
	CategoryDecrypt          ErrorCategory = "decrypt"
	CategoryMalformedVoucher ErrorCategory = "malformed_voucher"
	CategoryStorage          ErrorCategory = "storage"
	CategoryInternal         ErrorCategory = "internal"
)

var (
	// ErrAuthRequired is returned when the token provider has no valid token.
	// Refresh policy belongs to the caller, not the core.
	ErrAuthRequired = &CategorizedError{Category: CategoryAuth, Message: "no valid access token available"}

	// ErrURLExpired is returned when the CDN rejects an otherwise valid range
	// request with an auth-class status. The transfer is resumable after the
	// caller supplies a fresh URL for the same destination.
	ErrURLExpired = &CategorizedError{Category: CategoryURLExpired, Message: "download URL expired, refresh required"}

	// ErrDuplicateTask is returned when enqueueing a content ID that already
	// has an active or completed task.
	ErrDuplicateTask = errors.New("task already exists for content id")

	// ErrTaskNotFound is returned when a task ID is unknown to the manager.
	ErrTaskNotFound = errors.New("task not found")
)

// CategorizedError wraps a failure with its category tag
type CategorizedError struct {
	Category ErrorCategory
	Message  string
	Err      error
}

func (e *CategorizedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Category, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Category, e.Message)
}

func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// Is matches two categorized errors by category when comparing sentinels
func (e *CategorizedError) Is(target error) bool {
	var ce *CategorizedError
	if errors.As(target, &ce) {
		return e.Category == ce.Category && e.Message == ce.Message
	}
	return false
}

// NewTransientError tags a recoverable network failure
func NewTransientError(message string, err error) *CategorizedError {
	return &CategorizedError{Category: CategoryTransient, Message: message, Err: err}
}

// NewStorageError tags a disk-full or permission failure; these abort the
// task immediately and leave the partial file and state for diagnostics
func NewStorageError(message string, err error) *CategorizedError {
	return &CategorizedError{Category: CategoryStorage, Message: message, Err: err}
}

// DecryptionError reports a voucher that failed padding validation or
// produced a plaintext that is not valid structured data. Both indicate
// either a key-derivation input mismatch or a corrupted voucher; neither
// is retryable without a fresh license.
type DecryptionError struct {
	Reason string
	Err    error
}

func (e *DecryptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("voucher decryption failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("voucher decryption failed: %s", e.Reason)
}

func (e *DecryptionError) Unwrap() error {
	return e.Err
}

// MalformedVoucherError reports key material whose lengths match no known
// DRM scheme.
type MalformedVoucherError struct {
	KeyLen int
	IVLen  int
}

func (e *MalformedVoucherError) Error() string {
	return fmt.Sprintf("malformed voucher: key length %d, iv length %d matches no known scheme", e.KeyLen, e.IVLen)
}

// CategoryOf extracts the category tag from an error chain
func CategoryOf(err error) ErrorCategory {
	if err == nil {
		return ""
	}

	var ce *CategorizedError
	if errors.As(err, &ce) {
		return ce.Category
	}

	var de *DecryptionError
	if errors.As(err, &de) {
		return CategoryDecrypt
	}

	var me *MalformedVoucherError
	if errors.As(err, &me) {
		return CategoryMalformedVoucher
	}

	return CategoryInternal
}

// IsRetryable reports whether the failure may succeed on an automatic retry
// from the last durable offset
func IsRetryable(err error) bool {
	return CategoryOf(err) == CategoryTransient
}
