// Package messages renders wire frames and session notices for the terminal.
package messages

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/yuya-takeyama/cc-console/internal/tools"
	"github.com/yuya-takeyama/cc-console/pkg/types"
)

// frame is the display-relevant slice of a main-channel frame.
type frame struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	Message struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
	Model        string  `json:"model"`
	Cwd          string  `json:"cwd"`
	SessionID    string  `json:"session_id"`
	DurationMS   int64   `json:"duration_ms"`
	NumTurns     int     `json:"num_turns"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	Result       string  `json:"result"`
	IsError      bool    `json:"is_error"`
}

// contentBlock is one element of an assistant or user content array.
type contentBlock struct {
	Type     string         `json:"type"`
	Text     string         `json:"text"`
	Thinking string         `json:"thinking"`
	Name     string         `json:"name"`
	Input    map[string]any `json:"input"`
}

// RenderFrame renders one main-channel frame as terminal text. The second
// return is false for frames with nothing to show (control traffic, tool
// results, empty deltas).
func RenderFrame(raw json.RawMessage) (string, bool) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return "", false
	}

	switch f.Type {
	case types.FrameTypeAssistant:
		return renderAssistant(f)
	case types.FrameTypeUser:
		return renderUser(f)
	case types.FrameTypeSystem:
		if f.Subtype == "init" {
			return FormatSessionStartMessage(f.SessionID, f.Cwd, f.Model), true
		}
		return "", false
	case types.FrameTypeResult:
		return renderResult(f), true
	default:
		return "", false
	}
}

func renderAssistant(f frame) (string, bool) {
	var blocks []contentBlock
	if err := json.Unmarshal(f.Message.Content, &blocks); err != nil {
		return "", false
	}

	var parts []string
	for _, block := range blocks {
		switch block.Type {
		case "text":
			if block.Text != "" {
				parts = append(parts, block.Text)
			}
		case "thinking":
			if block.Thinking != "" {
				parts = append(parts, fmt.Sprintf("%s %s", tools.GetToolEmoji(tools.MessageThinking), firstLines(block.Thinking, 3)))
			}
		case "tool_use":
			line := fmt.Sprintf("%s %s", tools.GetToolEmoji(block.Name), block.Name)
			if summary := tools.Summary(block.Name, block.Input); summary != "" {
				line += ": " + summary
			}
			parts = append(parts, line)
		}
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, "\n"), true
}

func renderUser(f frame) (string, bool) {
	// String content is an echoed user turn; arrays carry tool results the
	// terminal does not show.
	var text string
	if err := json.Unmarshal(f.Message.Content, &text); err != nil || text == "" {
		return "", false
	}
	return "> " + text, true
}

func renderResult(f frame) string {
	if f.IsError {
		return FormatErrorMessage(f.SessionID)
	}
	return FormatCompletionMessage(f.SessionID, time.Duration(f.DurationMS)*time.Millisecond, f.NumTurns, f.TotalCostUSD)
}

// FormatSessionStartMessage formats the session start message
func FormatSessionStartMessage(sessionID, cwd, model string) string {
	return fmt.Sprintf("🚀 Session started\n"+
		"Session ID: %s\n"+
		"Working directory: %s\n"+
		"Model: %s",
		sessionID, cwd, model)
}

// FormatCompletionMessage formats the turn completion message
func FormatCompletionMessage(sessionID string, duration time.Duration, turns int, cost float64) string {
	text := fmt.Sprintf("✅ Turn completed in %s\n"+
		"Session ID: %s\n"+
		"Turns: %d\n"+
		"Cost: $%.6f USD",
		FormatDuration(duration), sessionID, turns, cost)

	// Cost warning
	if cost > 1.0 {
		text += "\n⚠️ High cost session"
	}

	return text
}

// FormatErrorMessage formats the error completion message
func FormatErrorMessage(sessionID string) string {
	return fmt.Sprintf("❌ Turn ended with error\nSession ID: %s", sessionID)
}

// FormatApprovalPrompt formats a pending tool approval for the terminal.
func FormatApprovalPrompt(req types.ApprovalRequest) string {
	info := tools.GetToolInfo(req.Request.ToolName)
	text := fmt.Sprintf("%s Approval required: %s", info.Emoji, info.Name)
	if summary := tools.Summary(req.Request.ToolName, req.Request.Input); summary != "" {
		text += "\n  " + summary
	}
	text += "\n  /allow to approve, /deny [reason] to reject"
	return text
}

// FormatDuration converts duration to human-readable string
// Examples:
//   - 5s -> "5s"
//   - 2m5s -> "2m5s"
//   - 1h1m5s -> "1h1m5s"
func FormatDuration(d time.Duration) string {
	seconds := int(d.Seconds())

	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}

	minutes := seconds / 60
	remainingSeconds := seconds % 60

	if minutes < 60 {
		return fmt.Sprintf("%dm%ds", minutes, remainingSeconds)
	}

	hours := minutes / 60
	remainingMinutes := minutes % 60

	return fmt.Sprintf("%dh%dm%ds", hours, remainingMinutes, remainingSeconds)
}

func firstLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[:n], "\n") + " ..."
}
