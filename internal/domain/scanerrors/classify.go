package scanerrors

import (
	"strings"
)

// rule order is load-bearing: the first match wins, and narrower patterns
// (output validation) sit above the generic validation rule they would
// otherwise shadow.
var rules = []struct {
	patterns  []string
	kind      Kind
	retryable bool
}{
	{
		patterns: []string{
			"credit balance", "billing", "spending cap", "spend limit",
			"insufficient funds", "payment required", "quota exceeded",
			"usage limit",
		},
		kind:      KindBilling,
		retryable: true, // external cap, may reset
	},
	{
		patterns: []string{
			"invalid api key", "authentication", "unauthorized", "401",
			"invalid x-api-key", "api key not found",
		},
		kind:      KindAuthentication,
		retryable: false,
	},
	{
		patterns:  []string{"permission", "forbidden", "403", "access denied"},
		kind:      KindPermission,
		retryable: false,
	},
	{
		patterns:  []string{"failed output validation"},
		kind:      KindOutputValidation,
		retryable: true,
	},
	{
		patterns:  []string{"invalid request", "malformed", "validation"},
		kind:      KindValidation,
		retryable: false,
	},
	{
		patterns: []string{
			"request too large", "payload too large", "413",
			"prompt is too long", "exceeds the maximum",
		},
		kind:      KindRequestTooLarge,
		retryable: false,
	},
	{
		patterns: []string{
			"no such file", "file not found", "missing configuration",
			"config not found", "enoent",
		},
		kind:      KindConfiguration,
		retryable: false,
	},
	{
		patterns: []string{
			"max turns", "maximum turns", "turn limit", "budget exceeded",
			"execution limit",
		},
		kind:      KindExecutionLimit,
		retryable: false,
	},
	{
		patterns:  []string{"invalid target url", "invalid url", "unsupported url"},
		kind:      KindTargetURL,
		retryable: false,
	},
}

// Classify maps a raw failure message to a taxonomy entry with a retry
// verdict. Unmatched errors classify as transient and retryable: rate
// limits, 5xx responses and network flakiness all land there.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Kind: KindTransient, Retryable: true}
	}
	return ClassifyMessage(err.Error())
}

// ClassifyMessage is Classify for a bare message string.
func ClassifyMessage(msg string) Classification {
	lower := strings.ToLower(msg)
	for _, r := range rules {
		for _, p := range r.patterns {
			if strings.Contains(lower, p) {
				return Classification{Kind: r.kind, Retryable: r.retryable}
			}
		}
	}
	return Classification{Kind: KindTransient, Retryable: true}
}

// Spending-cap phrasings seen in provider output when a cap is reported as
// ordinary text instead of a structured error.
var capPhrases = []string{
	"credit balance is too low",
	"spending cap",
	"spend limit reached",
	"usage limit reached",
	"upgrade your plan",
}

// LooksLikeSpendingCap flags a unit of work that finished suspiciously
// cheaply with cap-like phrasing in its output: completed in at most two
// steps at exactly zero cost, and the text matches a known cap message.
func LooksLikeSpendingCap(steps int, costUSD float64, output string) bool {
	if steps > 2 || costUSD != 0 {
		return false
	}
	lower := strings.ToLower(output)
	for _, p := range capPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
