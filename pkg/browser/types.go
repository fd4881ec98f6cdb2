package browser

import (
	"context"
	"time"
)

// Client drives browser pages keyed by an explicit session id. Every tool call
// names the session it acts on, so tools stay independent of each other.
type Client interface {
	// Open creates the session if needed and navigates it to url.
	Open(ctx context.Context, sessionID, url string) (PageInfo, error)
	Navigate(ctx context.Context, sessionID, url string) (PageInfo, error)
	Click(ctx context.Context, sessionID, selector string) error
	Type(ctx context.Context, sessionID, selector, text string) error
	// Screenshot returns PNG bytes of the current viewport.
	Screenshot(ctx context.Context, sessionID string) ([]byte, error)
	Evaluate(ctx context.Context, sessionID, script string) (interface{}, error)
	Close(sessionID string) error
}

// PageInfo describes the page a session is showing.
type PageInfo struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
	Title     string `json:"title"`
}

// Config configures the rod-backed client.
type Config struct {
	Headless          bool
	MaxSessions       int
	NavigationTimeout time.Duration
	ActionTimeout     time.Duration
	Security          SecurityConfig
}

// SecurityConfig represents security configuration
type SecurityConfig struct {
	AllowFileUrls      bool     `json:"allowFileUrls"`
	AllowLocalhostUrls bool     `json:"allowLocalhostUrls"`
	AllowedDomains     []string `json:"allowedDomains,omitempty"`
	BlockedDomains     []string `json:"blockedDomains,omitempty"`
}

// BrowserError is a classified browser failure.
type BrowserError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e *BrowserError) Error() string {
	return e.Message
}

// Error codes
const (
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeNavigation      = "NAVIGATION_ERROR"
	ErrCodeTimeout         = "TIMEOUT_ERROR"
	ErrCodeElementNotFound = "ELEMENT_NOT_FOUND"
	ErrCodeScriptExecution = "SCRIPT_EXECUTION_ERROR"
	ErrCodeSecurity        = "SECURITY_ERROR"
	ErrCodeBrowserCrash    = "BROWSER_CRASH"
	ErrCodeNotFound        = "NOT_FOUND"
)
