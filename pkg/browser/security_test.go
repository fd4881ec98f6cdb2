package browser

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name     string
		config   SecurityConfig
		url      string
		wantCode string
	}{
		{name: "valid https URL", url: "https://example.com"},
		{name: "file URL blocked", url: "file:///etc/passwd", wantCode: ErrCodeSecurity},
		{name: "file URL allowed", config: SecurityConfig{AllowFileUrls: true}, url: "file:///tmp/test.html"},
		{name: "javascript scheme", url: "javascript:alert(1)", wantCode: ErrCodeSecurity},
		{name: "no scheme", url: "example.com", wantCode: ErrCodeValidation},
		{name: "localhost blocked", url: "http://localhost:8080", wantCode: ErrCodeSecurity},
		{name: "localhost allowed", config: SecurityConfig{AllowLocalhostUrls: true}, url: "http://localhost:8080"},
		{name: "loopback v4 blocked", url: "http://127.0.0.1:8080", wantCode: ErrCodeSecurity},
		{name: "loopback v6 blocked", url: "http://[::1]:8080/", wantCode: ErrCodeSecurity},
		{
			name:   "domain in allowed list",
			config: SecurityConfig{AllowedDomains: []string{"example.com"}},
			url:    "https://example.com/page",
		},
		{
			name:     "domain not in allowed list",
			config:   SecurityConfig{AllowedDomains: []string{"example.com"}},
			url:      "https://other.com/page",
			wantCode: ErrCodeSecurity,
		},
		{
			name:   "wildcard allowed subdomain",
			config: SecurityConfig{AllowedDomains: []string{"*.example.com"}},
			url:    "https://docs.example.com",
		},
		{
			name:     "domain in blocked list",
			config:   SecurityConfig{BlockedDomains: []string{".evil.com"}},
			url:      "https://www.evil.com",
			wantCode: ErrCodeSecurity,
		},
		{
			name:     "blocked wins over allowed",
			config:   SecurityConfig{AllowedDomains: []string{"*.example.com"}, BlockedDomains: []string{"ads.example.com"}},
			url:      "https://ads.example.com",
			wantCode: ErrCodeSecurity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sv := NewSecurityValidator(tt.config, zerolog.Nop())
			err := sv.ValidateURL(tt.url)
			if tt.wantCode == "" {
				assert.NoError(t, err)
				return
			}
			var be *BrowserError
			require.True(t, errors.As(err, &be), "expected BrowserError, got %v", err)
			assert.Equal(t, tt.wantCode, be.Code)
		})
	}
}

func TestMatchDomain(t *testing.T) {
	tests := []struct {
		host    string
		pattern string
		want    bool
	}{
		{"example.com", "example.com", true},
		{"www.example.com", "example.com", false},
		{"www.example.com", "*.example.com", true},
		{"example.com", "*.example.com", true},
		{"badexample.com", "*.example.com", false},
		{"a.b.example.com", ".example.com", true},
		{"example.com", "", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, matchDomain(tt.host, tt.pattern), "%s vs %s", tt.host, tt.pattern)
	}
}

func TestValidateScript(t *testing.T) {
	assert.NoError(t, ValidateScript("document.title"))
	assert.NoError(t, ValidateScript("return [...document.querySelectorAll('a')].length"))

	for _, script := range []string{"", "eval('1')", "setTimeout(f, 10)", "import('x')", "new Function('a')"} {
		assert.Error(t, ValidateScript(script), script)
	}

	big := make([]byte, maxScriptBytes+1)
	for i := range big {
		big[i] = 'a'
	}
	assert.Error(t, ValidateScript(string(big)))
}

func TestIsValidSelector(t *testing.T) {
	assert.True(t, IsValidSelector("#submit"))
	assert.True(t, IsValidSelector("form input[name=q]"))
	assert.False(t, IsValidSelector(" "))
	assert.False(t, IsValidSelector("img[onerror=alert(1)]"))
}
