package ai

import "errors"

// ErrQuotaExceeded indicates the AI provider returned a quota/limit error
// (HTTP 429 or similar), or the run was silently stopped by a spending cap.
var ErrQuotaExceeded = errors.New("ai quota exceeded")
