package domain

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const DefaultCompletionMarker = "<promise>COMPLETE</promise>"

type RateLimitSignal struct {
	Limited bool
	// RetryAfter is a relative wait hint; zero when the output carried none.
	RetryAfter time.Duration
	// RetryAt is an absolute reset time; zero when the output carried none.
	RetryAt time.Time
	Reason  string
}

// CooldownFrom resolves the cooldown to apply at now, falling back to def
// when the output carried no usable hint.
func (s RateLimitSignal) CooldownFrom(now time.Time, def time.Duration) time.Duration {
	if !s.RetryAt.IsZero() {
		if wait := s.RetryAt.Sub(now); wait > 0 {
			return wait
		}
	}
	if s.RetryAfter > 0 {
		return s.RetryAfter
	}
	return def
}

var (
	http429Pattern = regexp.MustCompile(`(?i)(?:\b429\s+too\s+many\s+requests|\b(?:status(?:[\s_]*code)?|http(?:/\d(?:\.\d)?)?|error|code)["']?\s*[:=]?\s*["']?429\b)`)

	rateLimitPhrasePatterns = []struct {
		reason  string
		pattern *regexp.Regexp
	}{
		{reason: "anthropic_rate_limit", pattern: regexp.MustCompile(`(?i)\brate_limit_error\b`)},
		{reason: "anthropic_overloaded", pattern: regexp.MustCompile(`(?i)\boverloaded_error\b`)},
		{reason: "usage_limit", pattern: regexp.MustCompile(`(?i)\busage limit reached\b`)},
		{reason: "openai_rate_limit", pattern: regexp.MustCompile(`(?i)\brate limit reached for\b`)},
		{reason: "quota_exceeded", pattern: regexp.MustCompile(`(?i)(?:\bexceeded your current quota\b|\binsufficient_quota\b)`)},
		{reason: "resource_exhausted", pattern: regexp.MustCompile(`\bRESOURCE_EXHAUSTED\b`)},
		{reason: "rate_limited", pattern: regexp.MustCompile(`(?i)\brate[ -]?limit(?:ed| exceeded)\b`)},
		{reason: "too_many_requests", pattern: regexp.MustCompile(`(?i)\btoo many requests\b`)},
	}

	usageResetPattern   = regexp.MustCompile(`(?i)usage limit reached\|(\d{9,11})`)
	retryAfterPattern   = regexp.MustCompile(`(?i)retry[-_ ]after["']?\s*[:=]?\s*["']?(\d+)`)
	tryAgainDuration    = regexp.MustCompile(`(?i)try again in ((?:\d+(?:\.\d+)?(?:ms|h|m|s))+)\b`)
	tryAgainSeconds     = regexp.MustCompile(`(?i)try again in (\d+)\s*seconds?\b`)
	errorLinePattern    = regexp.MustCompile(`(?i)\b(?:error|exception|panic|fatal|failed|traceback)\b`)
	hexPattern          = regexp.MustCompile(`(?i)\b(?:0x[0-9a-f]+|[0-9a-f]{8,})\b`)
	pathPattern         = regexp.MustCompile(`(?:[A-Za-z]:)?(?:[./~]|\b)[\w.-]*(?:/[\w.-]+)+`)
	digitsPattern       = regexp.MustCompile(`\d+`)
	whitespacePattern   = regexp.MustCompile(`\s+`)
	quotedStringPattern = regexp.MustCompile(`"[^"]*"|'[^']*'`)
)

// ClassifyRateLimitError recognises provider rate-limit and capacity failures
// in raw agent output. Timeouts are never rate limits and are not handled here.
func ClassifyRateLimitError(raw string) RateLimitSignal {
	if strings.TrimSpace(raw) == "" {
		return RateLimitSignal{}
	}

	signal := RateLimitSignal{}
	if http429Pattern.MatchString(raw) {
		signal.Limited = true
		signal.Reason = "http_429"
	}
	for _, phrase := range rateLimitPhrasePatterns {
		if phrase.pattern.MatchString(raw) {
			if !signal.Limited {
				signal.Reason = phrase.reason
			}
			signal.Limited = true
			break
		}
	}
	if !signal.Limited {
		return RateLimitSignal{}
	}

	if match := usageResetPattern.FindStringSubmatch(raw); match != nil {
		if epoch, err := strconv.ParseInt(match[1], 10, 64); err == nil {
			signal.RetryAt = time.Unix(epoch, 0).UTC()
		}
	}
	signal.RetryAfter = extractRetryAfter(raw)

	return signal
}

func extractRetryAfter(raw string) time.Duration {
	if match := retryAfterPattern.FindStringSubmatch(raw); match != nil {
		if seconds, err := strconv.Atoi(match[1]); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	if match := tryAgainSeconds.FindStringSubmatch(raw); match != nil {
		if seconds, err := strconv.Atoi(match[1]); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	if match := tryAgainDuration.FindStringSubmatch(raw); match != nil {
		if d, err := time.ParseDuration(strings.ToLower(match[1])); err == nil && d > 0 {
			return d
		}
	}
	return 0
}

func HasCompletionMarker(output, marker string) bool {
	marker = strings.TrimSpace(marker)
	if marker == "" {
		return false
	}
	return strings.Contains(output, marker)
}

// ErrorSignature condenses the last error-looking line of output into a short
// stable hash so repeated failures compare equal across iterations.
func ErrorSignature(output string, exitCode int, timedOut bool) string {
	if timedOut {
		return "timeout"
	}

	lines := strings.Split(output, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" || !errorLinePattern.MatchString(line) {
			continue
		}
		return hashSignature(normalizeErrorLine(line))
	}

	if exitCode != 0 {
		return fmt.Sprintf("exit-%d", exitCode)
	}
	return ""
}

func normalizeErrorLine(line string) string {
	line = quotedStringPattern.ReplaceAllString(line, `"…"`)
	line = pathPattern.ReplaceAllString(line, "<path>")
	line = hexPattern.ReplaceAllString(line, "<hex>")
	line = digitsPattern.ReplaceAllString(line, "#")
	line = whitespacePattern.ReplaceAllString(line, " ")
	return strings.ToLower(strings.TrimSpace(line))
}

func hashSignature(normalized string) string {
	sum := sha1.Sum([]byte(normalized))
	return hex.EncodeToString(sum[:])[:12]
}
