package browser

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

const maxScriptBytes = 100000

// SecurityValidator validates URLs and scripts against the configured policy.
type SecurityValidator struct {
	config SecurityConfig
	logger zerolog.Logger
}

// NewSecurityValidator creates a new security validator
func NewSecurityValidator(config SecurityConfig, logger zerolog.Logger) *SecurityValidator {
	return &SecurityValidator{
		config: config,
		logger: logger,
	}
}

// ValidateURL validates a URL and checks security policies
func (sv *SecurityValidator) ValidateURL(urlStr string) error {
	parsedURL, err := url.Parse(strings.TrimSpace(urlStr))
	if err != nil || parsedURL.Scheme == "" {
		return &BrowserError{
			Code:    ErrCodeValidation,
			Message: fmt.Sprintf("Invalid URL format: %s", urlStr),
		}
	}

	switch parsedURL.Scheme {
	case "http", "https":
	case "file":
		if !sv.config.AllowFileUrls {
			return sv.violation("file_url_blocked", urlStr, "file:// URLs are not allowed")
		}
		return nil
	default:
		return sv.violation("scheme_blocked", urlStr, fmt.Sprintf("URL scheme %q is not allowed", parsedURL.Scheme))
	}

	host := strings.ToLower(parsedURL.Hostname())
	if host == "" {
		return &BrowserError{
			Code:    ErrCodeValidation,
			Message: fmt.Sprintf("URL has no host: %s", urlStr),
		}
	}

	if isLocalhost(host) && !sv.config.AllowLocalhostUrls {
		return sv.violation("localhost_url_blocked", urlStr, "localhost URLs are not allowed")
	}

	if len(sv.config.AllowedDomains) > 0 && !matchAny(host, sv.config.AllowedDomains) {
		return sv.violation("domain_not_allowed", urlStr, fmt.Sprintf("Domain not in allowed list: %s", host))
	}

	// Blocked wins over allowed.
	if matchAny(host, sv.config.BlockedDomains) {
		return sv.violation("domain_blocked", urlStr, fmt.Sprintf("Domain is blocked: %s", host))
	}

	return nil
}

func (sv *SecurityValidator) violation(kind, urlStr, message string) error {
	sv.logger.Warn().Str("violation", kind).Str("url", urlStr).Msg("Browser security violation")
	return &BrowserError{
		Code:    ErrCodeSecurity,
		Message: message,
		Details: map[string]interface{}{"url": urlStr},
	}
}

func isLocalhost(host string) bool {
	return host == "localhost" ||
		host == "::1" ||
		host == "0.0.0.0" ||
		strings.HasPrefix(host, "127.") ||
		strings.HasSuffix(host, ".localhost")
}

func matchAny(host string, patterns []string) bool {
	for _, pattern := range patterns {
		if matchDomain(host, strings.ToLower(strings.TrimSpace(pattern))) {
			return true
		}
	}
	return false
}

// matchDomain checks if a host matches a domain pattern. "*.example.com" and
// ".example.com" match the apex and any subdomain.
func matchDomain(host, pattern string) bool {
	if pattern == "" {
		return false
	}
	if host == pattern {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		suffix := pattern[2:]
		return strings.HasSuffix(host, "."+suffix) || host == suffix
	}
	if strings.HasPrefix(pattern, ".") {
		return strings.HasSuffix(host, pattern) || host == pattern[1:]
	}
	return false
}

// ValidateScript rejects scripts that could load or run code beyond the page.
func ValidateScript(script string) error {
	if strings.TrimSpace(script) == "" {
		return &BrowserError{Code: ErrCodeValidation, Message: "Script is required"}
	}
	if len(script) > maxScriptBytes {
		return &BrowserError{
			Code:    ErrCodeValidation,
			Message: fmt.Sprintf("Script is too large: %d bytes (max %d)", len(script), maxScriptBytes),
		}
	}

	lowerScript := strings.ToLower(script)
	dangerousPatterns := []struct {
		pattern string
		reason  string
	}{
		{"eval(", "eval() can execute arbitrary code"},
		{"new function", "Function constructor can execute arbitrary code"},
		{"settimeout", "setTimeout outlives the call"},
		{"setinterval", "setInterval outlives the call"},
		{"import(", "Dynamic imports can load external code"},
		{"<script", "Script tags are not allowed"},
		{"javascript:", "javascript: protocol is not allowed"},
		{"vbscript:", "vbscript: protocol is not allowed"},
	}
	for _, dp := range dangerousPatterns {
		if strings.Contains(lowerScript, dp.pattern) {
			return &BrowserError{
				Code:    ErrCodeSecurity,
				Message: fmt.Sprintf("Script contains potentially dangerous pattern: %s", dp.reason),
				Details: map[string]interface{}{"pattern": dp.pattern},
			}
		}
	}
	return nil
}

// IsValidSelector checks if a selector is valid
func IsValidSelector(selector string) bool {
	if strings.TrimSpace(selector) == "" {
		return false
	}
	dangerous := []string{"<script", "javascript:", "onerror=", "onload="}
	lowerSelector := strings.ToLower(selector)
	for _, pattern := range dangerous {
		if strings.Contains(lowerSelector, pattern) {
			return false
		}
	}
	return true
}
