package runner

import (
	"encoding/json"
	"strings"

	"github.com/apcdev/apc/internal/roles"
)

// cursorBackend drives the cursor-agent CLI in JSON stream mode. Each
// stdout line is one JSON document with a top-level type.
type cursorBackend struct{}

func (b *cursorBackend) Name() string { return "cursor" }

func (b *cursorBackend) ModelFor(tier roles.ModelTier) string {
	switch tier {
	case roles.TierLow:
		return "auto"
	case roles.TierHigh:
		return "opus-4.1"
	default:
		return "sonnet-4.5"
	}
}

func (b *cursorBackend) Command(prompt, model string) (string, []string) {
	return "cursor-agent", []string{
		"-p", prompt,
		"--output-format", "stream-json",
		"--model", model,
	}
}

type cursorLine struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Result   string `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
	ToolName string `json:"tool_name,omitempty"`
	Output   string `json:"output,omitempty"`
}

func (b *cursorBackend) ParseLine(line string) Chunk {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || !strings.HasPrefix(trimmed, "{") {
		return Chunk{Category: ChunkInfo, Text: line}
	}

	var parsed cursorLine
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return Chunk{Category: ChunkInfo, Text: line}
	}

	switch parsed.Type {
	case "message", "text":
		return Chunk{Category: ChunkText, Text: parsed.Text}
	case "thinking":
		return Chunk{Category: ChunkThinking, Text: parsed.Text}
	case "tool_call":
		return Chunk{Category: ChunkToolCall, Text: parsed.ToolName, ToolName: parsed.ToolName}
	case "tool_result":
		return Chunk{Category: ChunkToolResult, Text: parsed.Output, ToolName: parsed.ToolName}
	case "result":
		if parsed.Error != "" {
			return Chunk{Category: ChunkError, Text: parsed.Error}
		}
		return Chunk{Category: ChunkFinalResult, Text: parsed.Result}
	case "error":
		return Chunk{Category: ChunkError, Text: parsed.Error}
	default:
		return Chunk{Category: ChunkInfo, Text: line}
	}
}
