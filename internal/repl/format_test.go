package repl

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zonlabs/mcp-assistant-sub001/internal/api"
	"github.com/zonlabs/mcp-assistant-sub001/internal/manager"
	"github.com/zonlabs/mcp-assistant-sub001/internal/mcpclient"
)

func TestPrintConnections(t *testing.T) {
	var out bytes.Buffer
	PrintConnections(&out, nil)
	assert.Contains(t, out.String(), "No connections")

	out.Reset()
	PrintConnections(&out, []manager.ConnectionInfo{
		{ServerID: "a", State: manager.StateConnected, SessionID: "s1", Tools: testTools},
		{ServerID: "b", State: manager.StateError, Error: "authorization timed out"},
	})
	for _, want := range []string{"SERVER", "a", "CONNECTED", "s1", "b", "ERROR", "authorization timed out"} {
		assert.Contains(t, out.String(), want)
	}
}

func TestPrintSessions(t *testing.T) {
	var out bytes.Buffer
	PrintSessions(&out, []api.SessionInfo{{
		SessionID:     "s1",
		ServerID:      "github",
		ServerName:    "GitHub",
		ServerURL:     "https://api.githubcopilot.com/mcp/",
		TransportType: "streamable-http",
		Active:        true,
		CreatedAt:     time.Now(),
	}})
	for _, want := range []string{"github", "GitHub", "streamable-http", "true", "s1"} {
		assert.Contains(t, out.String(), want)
	}
}

func TestPrintToolResult(t *testing.T) {
	tests := []struct {
		name   string
		result mcpclient.ToolResult
		want   []string
	}{
		{name: "text", result: mcpclient.ToolResult{Success: true, Result: "hello"}, want: []string{"Result:", "hello"}},
		{name: "structured", result: mcpclient.ToolResult{Success: true, Result: map[string]any{"count": 3}}, want: []string{`"count": 3`}},
		{name: "empty", result: mcpclient.ToolResult{Success: true}, want: []string{"(no content)"}},
		{name: "error", result: mcpclient.ToolResult{Error: "boom"}, want: []string{"Tool returned an error:", "boom"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			PrintToolResult(&out, &tt.result)
			for _, want := range tt.want {
				assert.Contains(t, out.String(), want)
			}
		})
	}
}

func TestParseToolArgs(t *testing.T) {
	args, err := ParseToolArgs("  ")
	require.NoError(t, err)
	assert.Nil(t, args)

	args, err = ParseToolArgs(`{"a": 1}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": float64(1)}, args)

	_, err = ParseToolArgs(`[1, 2]`)
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "a b", truncate("a\nb", 10))
}
