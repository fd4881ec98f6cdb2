package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog"
)

const (
	defaultMaxSessions       = 5
	defaultNavigationTimeout = 30 * time.Second
	defaultActionTimeout     = 10 * time.Second
)

type session struct {
	page     *rod.Page
	lastUsed time.Time
}

// RodClient implements Client on a single lazily launched Chrome instance, one
// page per session id.
type RodClient struct {
	config    Config
	validator *SecurityValidator
	logger    zerolog.Logger

	mu       sync.Mutex
	browser  *rod.Browser
	sessions map[string]*session
}

// NewRodClient creates a client. The browser starts on first use.
func NewRodClient(cfg Config, logger zerolog.Logger) *RodClient {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = defaultMaxSessions
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = defaultActionTimeout
	}
	return &RodClient{
		config:    cfg,
		validator: NewSecurityValidator(cfg.Security, logger),
		logger:    logger,
		sessions:  make(map[string]*session),
	}
}

func (c *RodClient) ensureBrowser() (*rod.Browser, error) {
	if c.browser != nil {
		return c.browser, nil
	}
	controlURL, err := launcher.New().Headless(c.config.Headless).Launch()
	if err != nil {
		return nil, &BrowserError{Code: ErrCodeBrowserCrash, Message: fmt.Sprintf("Failed to launch browser: %v", err)}
	}
	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, &BrowserError{Code: ErrCodeBrowserCrash, Message: fmt.Sprintf("Failed to connect to CDP: %v", err)}
	}
	c.logger.Info().Bool("headless", c.config.Headless).Msg("Browser launched")
	c.browser = browser
	return browser, nil
}

// page returns the session's page, creating it when create is set.
func (c *RodClient) page(sessionID string, create bool) (*rod.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.sessions[sessionID]; ok {
		s.lastUsed = time.Now()
		return s.page, nil
	}
	if !create {
		return nil, &BrowserError{Code: ErrCodeNotFound, Message: fmt.Sprintf("Browser session not found: %s", sessionID)}
	}

	browser, err := c.ensureBrowser()
	if err != nil {
		return nil, err
	}
	if len(c.sessions) >= c.config.MaxSessions {
		c.evictLRU()
	}
	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, &BrowserError{Code: ErrCodeBrowserCrash, Message: fmt.Sprintf("Failed to create page: %v", err)}
	}
	c.sessions[sessionID] = &session{page: page, lastUsed: time.Now()}
	c.logger.Debug().Str("browser_session", sessionID).Msg("Browser session created")
	return page, nil
}

// evictLRU closes the least recently used session. Caller holds mu.
func (c *RodClient) evictLRU() {
	var oldestID string
	var oldest time.Time
	for id, s := range c.sessions {
		if oldestID == "" || s.lastUsed.Before(oldest) {
			oldestID, oldest = id, s.lastUsed
		}
	}
	if oldestID == "" {
		return
	}
	_ = c.sessions[oldestID].page.Close()
	delete(c.sessions, oldestID)
	c.logger.Debug().Str("browser_session", oldestID).Msg("Browser session evicted")
}

// Open implements Client.
func (c *RodClient) Open(ctx context.Context, sessionID, url string) (PageInfo, error) {
	if err := c.validator.ValidateURL(url); err != nil {
		return PageInfo{}, err
	}
	if _, err := c.page(sessionID, true); err != nil {
		return PageInfo{}, err
	}
	return c.Navigate(ctx, sessionID, url)
}

// Navigate implements Client.
func (c *RodClient) Navigate(ctx context.Context, sessionID, url string) (PageInfo, error) {
	if err := c.validator.ValidateURL(url); err != nil {
		return PageInfo{}, err
	}
	page, err := c.page(sessionID, false)
	if err != nil {
		return PageInfo{}, err
	}
	p := page.Context(ctx).Timeout(c.config.NavigationTimeout)
	if err := p.Navigate(url); err != nil {
		return PageInfo{}, classify(err, ErrCodeNavigation, fmt.Sprintf("Failed to navigate to %s", url))
	}
	if err := p.WaitLoad(); err != nil {
		return PageInfo{}, classify(err, ErrCodeNavigation, "Page did not finish loading")
	}
	info, err := p.Info()
	if err != nil {
		return PageInfo{}, classify(err, ErrCodeNavigation, "Failed to read page info")
	}
	return PageInfo{SessionID: sessionID, URL: info.URL, Title: info.Title}, nil
}

func (c *RodClient) element(ctx context.Context, sessionID, selector string) (*rod.Element, error) {
	if !IsValidSelector(selector) {
		return nil, &BrowserError{Code: ErrCodeValidation, Message: fmt.Sprintf("Invalid selector: %q", selector)}
	}
	page, err := c.page(sessionID, false)
	if err != nil {
		return nil, err
	}
	el, err := page.Context(ctx).Timeout(c.config.ActionTimeout).Element(selector)
	if err != nil {
		return nil, classify(err, ErrCodeElementNotFound, fmt.Sprintf("Element not found: %s", selector))
	}
	return el, nil
}

// Click implements Client.
func (c *RodClient) Click(ctx context.Context, sessionID, selector string) error {
	el, err := c.element(ctx, sessionID, selector)
	if err != nil {
		return err
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return classify(err, ErrCodeScriptExecution, "Failed to click element")
	}
	return nil
}

// Type implements Client.
func (c *RodClient) Type(ctx context.Context, sessionID, selector, text string) error {
	el, err := c.element(ctx, sessionID, selector)
	if err != nil {
		return err
	}
	if err := el.Input(text); err != nil {
		return classify(err, ErrCodeScriptExecution, "Failed to type into element")
	}
	return nil
}

// Screenshot implements Client.
func (c *RodClient) Screenshot(ctx context.Context, sessionID string) ([]byte, error) {
	page, err := c.page(sessionID, false)
	if err != nil {
		return nil, err
	}
	data, err := page.Context(ctx).Timeout(c.config.ActionTimeout).Screenshot(false, nil)
	if err != nil {
		return nil, classify(err, ErrCodeScriptExecution, "Failed to capture screenshot")
	}
	return data, nil
}

// Evaluate implements Client. A script containing "return" is run as a
// function body, anything else as an expression.
func (c *RodClient) Evaluate(ctx context.Context, sessionID, script string) (interface{}, error) {
	if err := ValidateScript(script); err != nil {
		return nil, err
	}
	page, err := c.page(sessionID, false)
	if err != nil {
		return nil, err
	}
	fn := "() => (" + script + ")"
	if strings.Contains(script, "return") {
		fn = "() => { " + script + " }"
	}
	res, err := page.Context(ctx).Timeout(c.config.ActionTimeout).Eval(fn)
	if err != nil {
		return nil, classify(err, ErrCodeScriptExecution, "Script execution failed")
	}
	return res.Value.Val(), nil
}

// Close implements Client.
func (c *RodClient) Close(sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return &BrowserError{Code: ErrCodeNotFound, Message: fmt.Sprintf("Browser session not found: %s", sessionID)}
	}
	delete(c.sessions, sessionID)
	if err := s.page.Close(); err != nil {
		return &BrowserError{Code: ErrCodeBrowserCrash, Message: fmt.Sprintf("Failed to close page: %v", err)}
	}
	return nil
}

// Shutdown closes every session and the browser.
func (c *RodClient) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, s := range c.sessions {
		_ = s.page.Close()
		delete(c.sessions, id)
	}
	if c.browser == nil {
		return nil
	}
	err := c.browser.Close()
	c.browser = nil
	return err
}

func classify(err error, code, message string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		code = ErrCodeTimeout
	}
	return &BrowserError{Code: code, Message: fmt.Sprintf("%s: %v", message, err)}
}
