package scans

import "errors"

// ErrQuotaExceeded indicates the tenant already runs the maximum number of
// concurrent scans. Retryable later, not now.
var ErrQuotaExceeded = errors.New("scan quota exceeded")

// ErrNotFound indicates the scan (or project) does not exist for the tenant.
var ErrNotFound = errors.New("scan not found")

// ErrNotCancellable indicates a cancel request against a terminal scan.
var ErrNotCancellable = errors.New("scan not cancellable")

// ErrNotRetryable indicates a retry request against a non-failed scan.
var ErrNotRetryable = errors.New("scan not retryable")
