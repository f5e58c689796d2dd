package mcpserver

import (
	"encoding/json"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/recordwise/regent/internal/domain"
)

// payload is a tool response under construction.
type payload map[string]any

// reply marshals the payload into a text result. MCP-level errors are
// reserved for malformed requests; domain failures travel in the payload so
// the agent can read the next step.
func reply(p payload) *mcp.CallToolResult {
	data, err := json.Marshal(p)
	if err != nil {
		return mcp.NewToolResultError("encoding response: " + err.Error())
	}
	return mcp.NewToolResultText(string(data))
}

// ok builds a success payload from the given fields.
func ok(fields payload) *mcp.CallToolResult {
	p := payload{"ok": true}
	for k, v := range fields {
		p[k] = v
	}
	return reply(p)
}

// failErr builds a failure payload from a classified error.
func failErr(err error) *mcp.CallToolResult {
	p := payload{"ok": false, "message": err.Error()}
	var de *domain.Error
	if errors.As(err, &de) {
		p["error"] = string(de.Code)
		p["message"] = de.Message
		if de.NextStep != "" {
			p["next_step"] = de.NextStep
		}
	} else {
		p["error"] = string(domain.CodeUpstreamUnavailable)
	}
	return reply(p)
}

// failCode builds a failure payload from explicit parts.
func failCode(code domain.Code, message, nextStep string) *mcp.CallToolResult {
	p := payload{"ok": false, "error": string(code), "message": message}
	if nextStep != "" {
		p["next_step"] = nextStep
	}
	return reply(p)
}
