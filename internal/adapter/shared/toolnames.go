package shared

import "strings"

// Canonical tool names consumed by renderers.
const (
	ToolBash      = "bash"
	ToolEdit      = "edit"
	ToolRead      = "read"
	ToolWrite     = "write"
	ToolGrep      = "grep"
	ToolGlob      = "glob"
	ToolLs        = "ls"
	ToolWebSearch = "websearch"
	ToolWebFetch  = "webfetch"
	ToolTodoWrite = "todowrite"
)

const mcpPrefix = "mcp__"

var engineToCanonical = map[string]string{
	"shell":               ToolBash,
	"shell_command":       ToolBash,
	"terminal":            ToolBash,
	"execute":             ToolBash,
	"run_command":         ToolBash,
	"exec":                ToolBash,
	"exec_command":        ToolBash,
	"local_shell":         ToolBash,
	"delete_file":         ToolBash,
	"edit_file":           ToolEdit,
	"modify_file":         ToolEdit,
	"update_file":         ToolEdit,
	"patch_file":          ToolEdit,
	"edited":              ToolEdit,
	"str_replace_editor":  ToolEdit,
	"apply_patch":         ToolEdit,
	"replace":             ToolEdit,
	"read_file":           ToolRead,
	"view_file":           ToolRead,
	"read_many_files":     ToolRead,
	"create_file":         ToolWrite,
	"write_file":          ToolWrite,
	"save_file":           ToolWrite,
	"search_files":        ToolGrep,
	"search_file_content": ToolGrep,
	"find_files":          ToolGlob,
	"list_files":          ToolLs,
	"list_directory":      ToolLs,
	"web_search":          ToolWebSearch,
	"search_web":          ToolWebSearch,
	"google_web_search":   ToolWebSearch,
	"fetch_url":           ToolWebFetch,
	"get_url":             ToolWebFetch,
	"web_fetch":           ToolWebFetch,
	"update_plan":         ToolTodoWrite,
	"write_todos":         ToolTodoWrite,
}

var canonicalToEngine = map[string]string{
	ToolBash:      "shell_command",
	ToolEdit:      "edit_file",
	ToolRead:      "read_file",
	ToolWrite:     "write_file",
	ToolGrep:      "search_files",
	ToolGlob:      "find_files",
	ToolLs:        "list_directory",
	ToolWebSearch: "web_search",
	ToolWebFetch:  "fetch_url",
}

// CanonicalToolName maps an engine-native tool name onto the canonical
// vocabulary. MCP tools (mcp__ prefix) pass through, lookups are
// case-insensitive, and unknown names are returned unchanged.
func CanonicalToolName(name string) string {
	if strings.HasPrefix(name, mcpPrefix) {
		return name
	}
	if c, ok := engineToCanonical[strings.ToLower(name)]; ok {
		return c
	}
	return name
}

// EngineToolName is the reverse of CanonicalToolName for the primary alias.
func EngineToolName(name string) string {
	if strings.HasPrefix(name, mcpPrefix) {
		return name
	}
	if e, ok := canonicalToEngine[strings.ToLower(name)]; ok {
		return e
	}
	return name
}

// MCPToolName builds the canonical name for an MCP server tool.
func MCPToolName(server, tool string) string {
	if server == "" {
		return mcpPrefix + tool
	}
	return mcpPrefix + server + "__" + tool
}
