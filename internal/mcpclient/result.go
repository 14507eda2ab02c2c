package mcpclient

import (
	"encoding/json"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// ToolResult is the flattened outcome of a tool call.
type ToolResult struct {
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// normalizeResult collapses the content envelope:
//   - structuredContent wins when present
//   - a single text block becomes parsed JSON, or the plain text
//   - several text blocks are joined with newlines
//   - content without any text is returned as is
func normalizeResult(res *mcp.CallToolResult) *ToolResult {
	if res == nil {
		return &ToolResult{Success: false, Error: "empty tool result"}
	}

	value := flattenContent(res)
	if res.IsError {
		msg := ""
		if s, ok := value.(string); ok {
			msg = s
		} else if value != nil {
			b, _ := json.Marshal(value)
			msg = string(b)
		}
		if msg == "" {
			msg = "tool reported an error"
		}
		return &ToolResult{Success: false, Error: msg}
	}
	return &ToolResult{Success: true, Result: value}
}

func flattenContent(res *mcp.CallToolResult) any {
	if res.StructuredContent != nil {
		return res.StructuredContent
	}
	if len(res.Content) == 0 {
		return nil
	}

	var texts []string
	for _, content := range res.Content {
		if text, ok := mcp.AsTextContent(content); ok {
			texts = append(texts, text.Text)
		}
	}

	switch {
	case len(res.Content) == 1 && len(texts) == 1:
		return parseText(texts[0])
	case len(texts) > 0:
		return strings.Join(texts, "\n")
	default:
		return res.Content
	}
}

func parseText(text string) any {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || !json.Valid([]byte(trimmed)) {
		return text
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return text
	}
	return v
}
