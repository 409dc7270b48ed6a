package sandbox

import "errors"

// ErrResourceQuotaExceeded indicates the tenant is at its concurrent-sandbox
// limit.
var ErrResourceQuotaExceeded = errors.New("sandbox quota exceeded")

// ErrImagePullFailed indicates the runtime image could not be fetched.
var ErrImagePullFailed = errors.New("image pull failed")

// ErrNetworkPolicyFailed indicates egress-policy creation failed; the
// partially created sandbox has been rolled back.
var ErrNetworkPolicyFailed = errors.New("egress policy creation failed")

// ErrInvalidTargetURL indicates the declared target failed gateway
// validation.
var ErrInvalidTargetURL = errors.New("invalid target url")

// ErrResourceLimitExceeded indicates the sandbox exceeded its CPU/memory
// allocation and was terminated.
var ErrResourceLimitExceeded = errors.New("resource limit exceeded")

// ErrStorageLimitExceeded indicates the sandbox exceeded its ephemeral
// storage allocation.
var ErrStorageLimitExceeded = errors.New("storage limit exceeded")
