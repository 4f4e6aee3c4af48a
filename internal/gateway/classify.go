// Package gateway implements the request-fulfillment engine: identity
// rotation, cooldown tracking, client-side rate limiting, outbound
// concurrency capping, model fallback and SSE re-emission.
package gateway

import (
	"regexp"
	"strconv"
	"strings"
)

// Category is the classification of an upstream failure.
type Category string

const (
	CategoryRateLimit     Category = "rate_limit"
	CategoryQuota         Category = "quota"
	CategoryAuth          Category = "auth"
	CategoryTimeout       Category = "timeout"
	CategoryOverloaded    Category = "overloaded"
	CategoryBilling       Category = "billing"
	CategoryModelNotFound Category = "model_not_found"
	CategoryFormat        Category = "format"
	CategoryUnknown       Category = "unknown"
)

var leadingStatusRe = regexp.MustCompile(`^\s*(\d{3})\b`)

// Pattern banks, scanned in a fixed order. All matching is case-insensitive;
// the input is lowercased once up front so the literals below stay plain.
var (
	quotaPatterns = []string{
		"resource has been exhausted",
		"resource_exhausted",
		"quota exceeded",
		"insufficient_quota",
	}
	rateLimitRe       = regexp.MustCompile(`rate[_ ]limit`)
	rateLimitPatterns = []string{
		"too many requests",
		"exceeded your current quota",
		"usage limit",
	}
	overloadedPatterns = []string{
		"overloaded_error",
		"overloaded",
		"service unavailable",
		"high demand",
	}
	authRe       = regexp.MustCompile(`invalid[_ ]api[_ ]key`)
	authStatusRe = regexp.MustCompile(`\b40[13]\b`)
	authPatterns = []string{
		"invalid_grant",
		"token refresh failed",
		"unauthorized",
		"forbidden",
		"re-authenticate",
	}
	timeoutRes = []*regexp.Regexp{
		regexp.MustCompile(`without sending (any )?chunks?`),
		regexp.MustCompile(`stop reason:\s*abort`),
	}
	timeoutPatterns = []string{
		"timeout",
		"timed out",
		"deadline exceeded",
	}
	modelNotFoundRe       = regexp.MustCompile(`models/\S+ is not found`)
	modelNotFoundPatterns = []string{
		"unknown model",
	}
	formatPatterns = []string{
		"invalid request format",
		"string should match pattern",
	}
	billingRe       = regexp.MustCompile(`status[:=]\s*402`)
	billingPatterns = []string{
		"payment required",
		"insufficient credits",
	}
)

// timeoutStatuses are upstream statuses treated as transient server trouble.
var timeoutStatuses = map[int]bool{
	500: true, 502: true, 503: true, 504: true,
	521: true, 522: true, 523: true, 524: true, 529: true,
}

// Classify maps an upstream error text (HTTP status as a leading "NNN "
// token when available, followed by the body) to a Category. It is total:
// anything unrecognized is CategoryUnknown.
func Classify(text string) Category {
	lower := strings.ToLower(text)

	// A leading three-digit status short-circuits most of the banks.
	if m := leadingStatusRe.FindStringSubmatch(lower); m != nil {
		status, _ := strconv.Atoi(m[1])
		switch {
		case status == 429:
			if containsAny(lower, quotaPatterns) {
				return CategoryQuota
			}
			return CategoryRateLimit
		case status == 401 || status == 403:
			return CategoryAuth
		case status == 402:
			return CategoryBilling
		case status == 404:
			return CategoryModelNotFound
		case status == 408:
			return CategoryTimeout
		case timeoutStatuses[status]:
			return CategoryTimeout
		}
	}

	switch {
	case modelNotFoundRe.MatchString(lower) || containsAny(lower, modelNotFoundPatterns):
		return CategoryModelNotFound
	case containsAny(lower, quotaPatterns):
		return CategoryQuota
	case rateLimitRe.MatchString(lower) || containsAny(lower, rateLimitPatterns):
		return CategoryRateLimit
	case containsAny(lower, overloadedPatterns):
		return CategoryOverloaded
	case authRe.MatchString(lower) || authStatusRe.MatchString(lower) || containsAny(lower, authPatterns):
		return CategoryAuth
	case containsAny(lower, formatPatterns):
		return CategoryFormat
	case billingRe.MatchString(lower) || containsAny(lower, billingPatterns):
		return CategoryBilling
	case matchesAny(lower, timeoutRes) || containsAny(lower, timeoutPatterns):
		return CategoryTimeout
	}
	return CategoryUnknown
}

// ClassifyResponse builds the classifier input from an HTTP status and body.
func ClassifyResponse(status int, body string) Category {
	return Classify(strconv.Itoa(status) + " " + body)
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func matchesAny(s string, res []*regexp.Regexp) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// RetryStrategy tells the rotation loop what to do after a failure of the
// given category.
type RetryStrategy struct {
	ShouldRetry            bool
	ShouldRotateIdentity   bool
	ShouldTryFallbackModel bool
}

var retryStrategies = map[Category]RetryStrategy{
	CategoryRateLimit:     {ShouldRetry: true, ShouldRotateIdentity: true, ShouldTryFallbackModel: true},
	CategoryQuota:         {ShouldRetry: true, ShouldRotateIdentity: true, ShouldTryFallbackModel: true},
	CategoryOverloaded:    {ShouldRetry: true, ShouldRotateIdentity: true},
	CategoryTimeout:       {ShouldRetry: true, ShouldRotateIdentity: true},
	CategoryAuth:          {ShouldRetry: true, ShouldRotateIdentity: true},
	CategoryBilling:       {ShouldRetry: true, ShouldRotateIdentity: true},
	CategoryModelNotFound: {ShouldTryFallbackModel: true},
	CategoryFormat:        {},
	CategoryUnknown:       {ShouldRetry: true, ShouldRotateIdentity: true},
}

// StrategyFor returns the retry strategy for a category.
func StrategyFor(c Category) RetryStrategy {
	s, ok := retryStrategies[c]
	if !ok {
		return retryStrategies[CategoryUnknown]
	}
	return s
}
