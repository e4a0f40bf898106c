package claude

import (
	"github.com/kandev/streambridge/internal/adapter/shared"
	"github.com/kandev/streambridge/internal/unified"
)

// convertBlocks maps Claude content (a string or a block array) onto unified
// blocks.
func convertBlocks(content any) []unified.ContentBlock {
	switch c := content.(type) {
	case string:
		if c == "" {
			return nil
		}
		return []unified.ContentBlock{unified.TextBlock(c)}
	case []any:
		blocks := make([]unified.ContentBlock, 0, len(c))
		for _, raw := range c {
			item, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if b, ok := convertBlock(item); ok {
				blocks = append(blocks, b)
			}
		}
		return blocks
	}
	return nil
}

func convertBlock(item map[string]any) (unified.ContentBlock, bool) {
	switch shared.GetString(item, "type") {
	case "text":
		return unified.TextBlock(shared.GetString(item, "text")), true
	case "thinking", "redacted_thinking":
		return unified.ThinkingBlock(shared.FirstString(item, "thinking", "text")), true
	case "tool_use", "server_tool_use":
		return unified.ToolUseBlock(
			shared.GetString(item, "id"),
			shared.GetString(item, "name"),
			shared.GetMap(item, "input"),
		), true
	case "tool_result":
		return unified.ToolResultBlock(
			shared.GetString(item, "tool_use_id"),
			item["content"],
			shared.GetBool(item, "is_error"),
		), true
	}
	return unified.ContentBlock{}, false
}

// normalizeUsage maps Claude's counter names onto unified.Usage.
// cache_creation_input_tokens are billed as input.
func normalizeUsage(u map[string]any) *unified.Usage {
	if u == nil {
		return nil
	}
	return &unified.Usage{
		Input:       shared.GetInt64(u, "input_tokens") + shared.GetInt64(u, "cache_creation_input_tokens"),
		Output:      shared.GetInt64(u, "output_tokens"),
		CachedInput: shared.GetInt64(u, "cache_read_input_tokens"),
	}
}
