package runner

// ChunkCategory classifies one parsed line of backend output.
type ChunkCategory string

const (
	ChunkText        ChunkCategory = "text"
	ChunkThinking    ChunkCategory = "thinking"
	ChunkToolCall    ChunkCategory = "tool_call"
	ChunkToolResult  ChunkCategory = "tool_result"
	ChunkFinalResult ChunkCategory = "final_result"
	ChunkError       ChunkCategory = "error"
	// ChunkInfo is the catch-all for lines the backend parser does not
	// recognize; they are preserved, never discarded.
	ChunkInfo ChunkCategory = "info"
)

// Chunk is one semantic unit of streamed agent output.
type Chunk struct {
	Category ChunkCategory `json:"category"`
	Text     string        `json:"text"`
	ToolName string        `json:"toolName,omitempty"`
}
