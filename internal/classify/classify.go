// Package classify implements the Error Classifier (C14): pure,
// order-sensitive predicates over provider responses and raw strings. No
// predicate here performs I/O or mutates state, per spec.md §9's redesign
// flag ("Exception-as-control-flow for model rotation... the Error
// Classifier is pure").
package classify

import (
	"regexp"
	"strings"
)

var rateLimitRe = regexp.MustCompile(`(?i)\brate[_\s-]?limit\b`)

// harmlessPrefixes are the line prefixes that never indicate a real error,
// per spec.md §4.14 is_harmless_warning_only.
var harmlessPrefixes = []string{
	"warn", "notice", "[notice]", "[warning]", "npm warn",
	"deprecated", "experimentalwarning", "punycode", "cleanup",
}

var harmlessSubstrings = []string{
	"running pip as the 'root' user",
	"a new release of pip is available",
	"npm fund",
	"npm audit",
}

// realErrorTokens are tokens that, if present anywhere, veto the
// harmless-warning classification even if every line otherwise matches a
// harmless prefix.
var realErrorTokens = []string{
	"traceback (most recent call last)",
	"syntaxerror",
	"typeerror",
	"modulenotfounderror",
	"module not found",
	"failed to compile",
	"enoent",
	"segmentation fault",
	"panic:",
}

// IsServerError reports an HTTP 5xx, by status code or message text.
func IsServerError(statusCode int, message string) bool {
	if statusCode >= 500 && statusCode < 600 {
		return true
	}
	m := strings.ToLower(message)
	return strings.Contains(m, "internal server error") || strings.Contains(m, "service unavailable")
}

// IsRateLimit reports HTTP 429/402, or a rate-limit message. Explicitly NOT
// triggered by an upstream 5xx (spec.md §4.14).
func IsRateLimit(statusCode int, message string) bool {
	if statusCode == 429 || statusCode == 402 {
		return true
	}
	return rateLimitRe.MatchString(message)
}

// IsOpenRouterError reports provider-qualified tokens indicating an
// immediate model switch is warranted.
func IsOpenRouterError(message string) bool {
	m := strings.ToLower(message)
	return strings.Contains(m, "openrouter") || strings.Contains(m, "upstream error from provider")
}

// IsModelUnavailable reports a 404 or "model not found"-style message.
func IsModelUnavailable(statusCode int, message string) bool {
	if statusCode == 404 {
		return true
	}
	m := strings.ToLower(message)
	return strings.Contains(m, "not found") || strings.Contains(m, "no endpoints found")
}

// IsPermanentlyUnavailable reports the well-known "free period ended" signal.
func IsPermanentlyUnavailable(message string) bool {
	return strings.Contains(strings.ToLower(message), "free period ended")
}

// IsLiteLLMInternal reports the known internal litellm shim error, treated
// like a rate limit for retry purposes.
func IsLiteLLMInternal(message string) bool {
	return strings.Contains(message, "'Exception' object has no attribute 'request'")
}

var emptyResponseMarkers = []string{
	"(no response", "[empty]", "(empty response)", "(no output)",
}

// IsEmptyOrInvalidResponse reports an empty/whitespace string or one of the
// well-known "no content" sentinels.
func IsEmptyOrInvalidResponse(s string) bool {
	if strings.TrimSpace(s) == "" {
		return true
	}
	low := strings.ToLower(s)
	for _, m := range emptyResponseMarkers {
		if strings.Contains(low, m) {
			return true
		}
	}
	return false
}

// IsHarmlessWarningOnly reports whether stderr/stdout together consist
// entirely of known-harmless warning lines, with no real-error token
// anywhere in either stream.
func IsHarmlessWarningOnly(stderr, stdout string) bool {
	combined := stderr + "\n" + stdout
	lowerCombined := strings.ToLower(combined)
	for _, tok := range realErrorTokens {
		if strings.Contains(lowerCombined, tok) {
			return false
		}
	}

	for _, stream := range []string{stderr, stdout} {
		for _, line := range strings.Split(stream, "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" {
				continue
			}
			if !lineIsHarmless(trimmed) {
				return false
			}
		}
	}
	return true
}

func lineIsHarmless(line string) bool {
	low := strings.ToLower(line)
	for _, p := range harmlessPrefixes {
		if strings.HasPrefix(low, p) {
			return true
		}
	}
	for _, s := range harmlessSubstrings {
		if strings.Contains(low, s) {
			return true
		}
	}
	return false
}

// knownCompileErrorPatterns feeds both the Smoke-Test Gate (C10) compile
// error extractor and general sandbox output classification.
var knownCompileErrorPatterns = []string{
	"module not found",
	"failed to compile",
	"syntaxerror",
	"typeerror",
	"enoent",
	"cannot find module",
	"referenceerror",
}

// ExtractCompileErrors returns every line in output that matches a known
// compile-error pattern, filtering lines that are themselves harmless
// warnings.
func ExtractCompileErrors(output string) []string {
	var out []string
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		low := strings.ToLower(trimmed)
		if lineIsHarmless(trimmed) {
			continue
		}
		for _, pat := range knownCompileErrorPatterns {
			if strings.Contains(low, pat) {
				out = append(out, trimmed)
				break
			}
		}
	}
	return out
}
