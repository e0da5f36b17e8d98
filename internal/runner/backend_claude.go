package runner

import (
	"encoding/json"
	"strings"

	"github.com/apcdev/apc/internal/roles"
)

// claudeBackend drives the Claude CLI in stream-json mode. Each stdout line
// is one JSON document: system, assistant, user, or result.
type claudeBackend struct{}

func (b *claudeBackend) Name() string { return "claude" }

func (b *claudeBackend) ModelFor(tier roles.ModelTier) string {
	switch tier {
	case roles.TierLow:
		return "haiku"
	case roles.TierHigh:
		return "opus"
	default:
		return "sonnet"
	}
}

func (b *claudeBackend) Command(prompt, model string) (string, []string) {
	return "claude", []string{
		"-p", prompt,
		"--output-format", "stream-json",
		"--verbose",
		"--model", model,
	}
}

type claudeLine struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`
	Result  string `json:"result,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
	Message struct {
		Content []claudeContentBlock `json:"content"`
	} `json:"message"`
}

type claudeContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`
	Name     string `json:"name,omitempty"`
	Content  any    `json:"content,omitempty"`
}

func (b *claudeBackend) ParseLine(line string) Chunk {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || !strings.HasPrefix(trimmed, "{") {
		return Chunk{Category: ChunkInfo, Text: line}
	}

	var parsed claudeLine
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return Chunk{Category: ChunkInfo, Text: line}
	}

	switch parsed.Type {
	case "result":
		if parsed.IsError {
			return Chunk{Category: ChunkError, Text: parsed.Result}
		}
		return Chunk{Category: ChunkFinalResult, Text: parsed.Result}
	case "assistant":
		for _, block := range parsed.Message.Content {
			switch block.Type {
			case "text":
				return Chunk{Category: ChunkText, Text: block.Text}
			case "thinking":
				return Chunk{Category: ChunkThinking, Text: block.Thinking}
			case "tool_use":
				return Chunk{Category: ChunkToolCall, Text: block.Name, ToolName: block.Name}
			}
		}
		return Chunk{Category: ChunkInfo, Text: line}
	case "user":
		for _, block := range parsed.Message.Content {
			if block.Type == "tool_result" {
				return Chunk{Category: ChunkToolResult, Text: stringify(block.Content)}
			}
		}
		return Chunk{Category: ChunkInfo, Text: line}
	default:
		return Chunk{Category: ChunkInfo, Text: line}
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(data)
	}
}
