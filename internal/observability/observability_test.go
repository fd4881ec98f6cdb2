package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactFields(t *testing.T) {
	input := map[string]interface{}{
		"url":     "https://example.com",
		"api_key": "secret-value",
		"headers": map[string]interface{}{
			"authorization": "Bearer x",
			"accept":        "text/html",
		},
	}

	out := RedactFields(input, []string{"api_key", "authorization"})

	assert.Equal(t, "https://example.com", out["url"])
	assert.Equal(t, RedactedValue, out["api_key"])
	headers := out["headers"].(map[string]interface{})
	assert.Equal(t, RedactedValue, headers["authorization"])
	assert.Equal(t, "text/html", headers["accept"])

	// input untouched
	assert.Equal(t, "secret-value", input["api_key"])
}

func TestRedactFieldsNoFields(t *testing.T) {
	input := map[string]interface{}{"a": 1}
	assert.Equal(t, input, RedactFields(input, nil))
	assert.Nil(t, RedactFields(nil, []string{"a"}))
}

func TestAuditRecordsToolEvent(t *testing.T) {
	var buf bytes.Buffer
	SetAuditOutput(&buf)

	RecordToolAudit(context.Background(), "echo", "session-1", "success", map[string]interface{}{"elapsed_ms": 3})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "tool", entry["type"])
	assert.Equal(t, "execute:echo", entry["action"])
	assert.Equal(t, "session-1", entry["actor"])
	assert.Equal(t, "success", entry["status"])
}

func TestAuditRecordsApproval(t *testing.T) {
	var buf bytes.Buffer
	SetAuditOutput(&buf)

	RecordApprovalAudit(context.Background(), "ap-1", "session-2", "denied", nil)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "approval:denied", entry["action"])
	metadata := entry["metadata"].(map[string]interface{})
	assert.Equal(t, "ap-1", metadata["approval_id"])
}

func TestInitAuditLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "audit.log")
	require.NoError(t, InitAuditLogger(path))
	defer SetAuditOutput(&bytes.Buffer{})

	RecordToolAudit(context.Background(), "read_file", "s", "failure", nil)
	require.NoError(t, GetAuditLogger().Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "execute:read_file")
}

func TestMetricsHandlerExposesRunMetrics(t *testing.T) {
	RecordRun("done", 120*time.Millisecond)
	RecordStep("execute", "done")
	RecordToolExecution("echo", time.Millisecond, true)
	RecordPlannerCall("heuristic", true)
	RecordApproval("approved")
	RecordQueueWaitWarning()

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	assert.Contains(t, body, "runloop_runs_total")
	assert.Contains(t, body, "runloop_tool_execution_total")
	assert.Contains(t, body, "runloop_planner_calls_total")
	assert.Contains(t, body, "runloop_approvals_total")
	assert.Contains(t, body, "runloop_queue_wait_warnings_total")
}
