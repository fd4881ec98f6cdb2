package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/harun/runloop/internal/observability"
	"github.com/harun/runloop/pkg/toolexecutor"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) Open(ctx context.Context, sessionID, url string) (PageInfo, error) {
	args := m.Called(ctx, sessionID, url)
	return args.Get(0).(PageInfo), args.Error(1)
}

func (m *mockClient) Navigate(ctx context.Context, sessionID, url string) (PageInfo, error) {
	args := m.Called(ctx, sessionID, url)
	return args.Get(0).(PageInfo), args.Error(1)
}

func (m *mockClient) Click(ctx context.Context, sessionID, selector string) error {
	return m.Called(ctx, sessionID, selector).Error(0)
}

func (m *mockClient) Type(ctx context.Context, sessionID, selector, text string) error {
	return m.Called(ctx, sessionID, selector, text).Error(0)
}

func (m *mockClient) Screenshot(ctx context.Context, sessionID string) ([]byte, error) {
	args := m.Called(ctx, sessionID)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (m *mockClient) Evaluate(ctx context.Context, sessionID, script string) (interface{}, error) {
	args := m.Called(ctx, sessionID, script)
	return args.Get(0), args.Error(1)
}

func (m *mockClient) Close(sessionID string) error {
	return m.Called(sessionID).Error(0)
}

func newRegistry(t *testing.T, opts ToolOptions, mockMode bool) *toolexecutor.Registry {
	t.Helper()
	observability.SetAuditOutput(&bytes.Buffer{})
	registry := toolexecutor.New(toolexecutor.Config{Logger: zerolog.Nop(), Mock: mockMode})
	require.NoError(t, Register(registry, opts))
	return registry
}

func run(t *testing.T, registry *toolexecutor.Registry, name string, input interface{}) toolexecutor.ToolResult {
	t.Helper()
	raw, err := json.Marshal(input)
	require.NoError(t, err)
	return registry.Execute(context.Background(), name, raw)
}

func TestRegisterBrowserTools(t *testing.T) {
	registry := newRegistry(t, ToolOptions{}, false)

	names := []string{}
	for _, d := range registry.Describe() {
		names = append(names, d.Name)
		assert.Contains(t, d.SideEffects, toolexecutor.SideEffectBrowserSession)
		assert.True(t, d.HasMock)
	}
	assert.ElementsMatch(t, []string{
		"browser_open", "browser_click", "browser_type", "browser_screenshot", "browser_evaluate",
	}, names)

	shot, _ := registry.Descriptor("browser_screenshot")
	assert.Contains(t, shot.SideEffects, toolexecutor.SideEffectFilesystemWrite)
}

func TestBrowserOpenAssignsSession(t *testing.T) {
	client := &mockClient{}
	client.On("Open", mock.Anything, mock.MatchedBy(func(id string) bool {
		return strings.HasPrefix(id, "br_")
	}), "https://example.com").Return(PageInfo{SessionID: "br_x", URL: "https://example.com/", Title: "Example Domain"}, nil)

	registry := newRegistry(t, ToolOptions{Client: client}, false)
	result := run(t, registry, "browser_open", map[string]string{"url": "https://example.com"})
	require.True(t, result.OK, result.Error)

	var out PageInfo
	require.NoError(t, json.Unmarshal(result.Output, &out))
	assert.Equal(t, "Example Domain", out.Title)
	client.AssertExpectations(t)
}

func TestBrowserOpenReusesSession(t *testing.T) {
	client := &mockClient{}
	client.On("Open", mock.Anything, "br_existing", "https://example.com/next").
		Return(PageInfo{SessionID: "br_existing", URL: "https://example.com/next"}, nil)

	registry := newRegistry(t, ToolOptions{Client: client}, false)
	result := run(t, registry, "browser_open", map[string]string{"url": "https://example.com/next", "session_id": "br_existing"})
	require.True(t, result.OK, result.Error)
	client.AssertExpectations(t)
}

func TestBrowserInteractions(t *testing.T) {
	client := &mockClient{}
	client.On("Click", mock.Anything, "s1", "#go").Return(nil)
	client.On("Type", mock.Anything, "s1", "input[name=q]", "golang").Return(nil)
	client.On("Evaluate", mock.Anything, "s1", "document.title").Return("Example", nil)
	client.On("Click", mock.Anything, "s1", "#missing").
		Return(&BrowserError{Code: ErrCodeElementNotFound, Message: "Element not found: #missing"})

	registry := newRegistry(t, ToolOptions{Client: client}, false)

	assert.True(t, run(t, registry, "browser_click", map[string]string{"session_id": "s1", "selector": "#go"}).OK)
	assert.True(t, run(t, registry, "browser_type", map[string]string{"session_id": "s1", "selector": "input[name=q]", "text": "golang"}).OK)

	result := run(t, registry, "browser_evaluate", map[string]string{"session_id": "s1", "script": "document.title"})
	require.True(t, result.OK, result.Error)
	assert.JSONEq(t, `{"session_id":"s1","result":"Example"}`, string(result.Output))

	failed := run(t, registry, "browser_click", map[string]string{"session_id": "s1", "selector": "#missing"})
	assert.False(t, failed.OK)
	assert.Equal(t, "Element not found: #missing", failed.Error)

	missing := run(t, registry, "browser_click", map[string]string{"selector": "#go"})
	assert.False(t, missing.OK, "session_id is required")

	client.AssertExpectations(t)
}

func TestBrowserScreenshotArtifact(t *testing.T) {
	dir := t.TempDir()
	client := &mockClient{}
	client.On("Screenshot", mock.Anything, "s1").Return([]byte("\x89PNG fake"), nil)

	registry := newRegistry(t, ToolOptions{Client: client, ArtifactDir: dir}, false)
	result := run(t, registry, "browser_screenshot", map[string]string{"session_id": "s1"})
	require.True(t, result.OK, result.Error)
	require.Len(t, result.Artifacts, 1)

	path := strings.TrimPrefix(result.Artifacts[0].Href, "file://")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "\x89PNG fake", string(data))
}

func TestBrowserDisabled(t *testing.T) {
	registry := newRegistry(t, ToolOptions{}, false)
	result := run(t, registry, "browser_open", map[string]string{"url": "https://example.com"})
	assert.False(t, result.OK)
	assert.Contains(t, result.Error, "disabled")
}

func TestBrowserMockMode(t *testing.T) {
	registry := newRegistry(t, ToolOptions{}, true)
	result := run(t, registry, "browser_open", map[string]string{"url": "https://example.com"})
	require.True(t, result.OK, result.Error)
	assert.JSONEq(t, `{"session_id":"br_mock","url":"https://example.com","title":"Mock page"}`, string(result.Output))
}

func TestNewSessionID(t *testing.T) {
	a, b := NewSessionID(), NewSessionID()
	assert.True(t, strings.HasPrefix(a, "br_"))
	assert.Len(t, a, 15)
	assert.NotEqual(t, a, b)
}
