package tools

import (
	"fmt"
	"strings"
)

// Tool names
const (
	ToolTodoWrite    = "TodoWrite"
	ToolBash         = "Bash"
	ToolRead         = "Read"
	ToolGlob         = "Glob"
	ToolEdit         = "Edit"
	ToolMultiEdit    = "MultiEdit"
	ToolWrite        = "Write"
	ToolLS           = "LS"
	ToolGrep         = "Grep"
	ToolWebFetch     = "WebFetch"
	ToolWebSearch    = "WebSearch"
	ToolTask         = "Task"
	ToolExitPlanMode = "ExitPlanMode"
	ToolNotebookRead = "NotebookRead"
	ToolNotebookEdit = "NotebookEdit"

	// Special message types
	MessageThinking = "thinking"
)

// ToolInfo holds display information for tools
type ToolInfo struct {
	Name  string
	Emoji string
}

// toolInfoMap maps tool names to their display information
var toolInfoMap = map[string]ToolInfo{
	ToolTodoWrite:    {Name: "TodoWrite", Emoji: "📋"},
	ToolBash:         {Name: "Bash", Emoji: "💻"},
	ToolRead:         {Name: "Read", Emoji: "📖"},
	ToolGlob:         {Name: "Glob", Emoji: "🔍"},
	ToolEdit:         {Name: "Edit", Emoji: "✏️"},
	ToolMultiEdit:    {Name: "MultiEdit", Emoji: "✏️"},
	ToolWrite:        {Name: "Write", Emoji: "📝"},
	ToolLS:           {Name: "LS", Emoji: "📁"},
	ToolGrep:         {Name: "Grep", Emoji: "🔍"},
	ToolWebFetch:     {Name: "WebFetch", Emoji: "🌐"},
	ToolWebSearch:    {Name: "WebSearch", Emoji: "🌎"},
	ToolTask:         {Name: "Task", Emoji: "🤖"},
	ToolExitPlanMode: {Name: "ExitPlanMode", Emoji: "🏁"},
	ToolNotebookRead: {Name: "NotebookRead", Emoji: "📓"},
	ToolNotebookEdit: {Name: "NotebookEdit", Emoji: "📔"},

	// Special message types
	MessageThinking: {Name: "Thinking", Emoji: "🤔"},
}

// GetToolInfo returns tool information for the given tool name
func GetToolInfo(toolName string) ToolInfo {
	if info, ok := toolInfoMap[toolName]; ok {
		return info
	}

	if IsMCPTool(toolName) {
		return ToolInfo{Name: toolName, Emoji: "🔌"}
	}

	// Default for unknown tools
	return ToolInfo{
		Name:  toolName,
		Emoji: "🔧",
	}
}

// GetToolEmoji returns the emoji for the given tool name
func GetToolEmoji(toolName string) string {
	return GetToolInfo(toolName).Emoji
}

// IsMCPTool checks if the tool name is an MCP tool
func IsMCPTool(toolName string) bool {
	return len(toolName) > 5 && toolName[:5] == "mcp__"
}

// Summary renders a one-line description of a tool invocation from its
// input, used in approval prompts and tool-use echoes.
func Summary(toolName string, input map[string]any) string {
	switch toolName {
	case ToolBash:
		if cmd := str(input, "command"); cmd != "" {
			return firstLine(cmd)
		}
	case ToolRead, ToolNotebookRead:
		if path := str(input, "file_path"); path != "" {
			return fmt.Sprintf("read %s", path)
		}
	case ToolEdit, ToolMultiEdit, ToolNotebookEdit:
		if path := str(input, "file_path"); path != "" {
			return fmt.Sprintf("edit %s", path)
		}
	case ToolWrite:
		if path := str(input, "file_path"); path != "" {
			return fmt.Sprintf("write %s", path)
		}
	case ToolGlob:
		if pattern := str(input, "pattern"); pattern != "" {
			return pattern
		}
	case ToolGrep:
		pattern := str(input, "pattern")
		if path := str(input, "path"); path != "" && pattern != "" {
			return fmt.Sprintf("search %q in %s", pattern, path)
		}
		if pattern != "" {
			return fmt.Sprintf("search %q", pattern)
		}
	case ToolLS:
		if path := str(input, "path"); path != "" {
			return fmt.Sprintf("list %s", path)
		}
	case ToolWebFetch:
		if url := str(input, "url"); url != "" {
			return url
		}
	case ToolWebSearch:
		if query := str(input, "query"); query != "" {
			return query
		}
	case ToolTask:
		if desc := str(input, "description"); desc != "" {
			return desc
		}
	case ToolExitPlanMode:
		return "leave plan mode"
	}
	return ""
}

func str(input map[string]any, key string) string {
	if v, ok := input[key].(string); ok {
		return v
	}
	return ""
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}
