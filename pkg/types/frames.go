package types

import (
	"encoding/json"
)

// Frame types exchanged over the main session channel.
const (
	FrameTypeUser            = "user"
	FrameTypeControlRequest  = "control_request"
	FrameTypeControlResponse = "control_response"
	FrameTypeSystem          = "system"
	FrameTypeAssistant       = "assistant"
	FrameTypeResult          = "result"
)

// Control request subtypes.
const (
	SubtypeSetPermissionMode = "set_permission_mode"
	SubtypeInterrupt         = "interrupt"
	SubtypeCanUseTool        = "can_use_tool"
)

// Permission modes accepted by set_permission_mode.
const (
	PermissionModeDefault           = "default"
	PermissionModeAcceptEdits       = "acceptEdits"
	PermissionModePlan              = "plan"
	PermissionModeBypassPermissions = "bypassPermissions"
)

// UserFrame is an outbound user turn on the main channel.
type UserFrame struct {
	Type            string      `json:"type"`
	Message         UserMessage `json:"message"`
	ParentToolUseID *string     `json:"parent_tool_use_id"`
	UUID            string      `json:"uuid"`
	SessionID       string      `json:"session_id"`
}

// UserMessage is the message body of a user frame
type UserMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NewUserFrame builds a user frame for the given session and content.
func NewUserFrame(uuid, sessionID, content string) UserFrame {
	return UserFrame{
		Type:            FrameTypeUser,
		Message:         UserMessage{Role: "user", Content: content},
		ParentToolUseID: nil,
		UUID:            uuid,
		SessionID:       sessionID,
	}
}

// ControlRequestFrame is an outbound control message on the main channel.
type ControlRequestFrame struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id"`
	Request   ControlRequest `json:"request"`
}

type ControlRequest struct {
	Subtype string `json:"subtype"`
	Mode    string `json:"mode,omitempty"`
}

// NewSetPermissionModeFrame builds the control frame that asserts the
// session's permission mode. The server keeps no memory of the
// client-selected mode across reconnects, so this precedes every user turn.
func NewSetPermissionModeFrame(requestID, mode string) ControlRequestFrame {
	return ControlRequestFrame{
		Type:      FrameTypeControlRequest,
		RequestID: requestID,
		Request:   ControlRequest{Subtype: SubtypeSetPermissionMode, Mode: mode},
	}
}

// NewInterruptFrame builds the control frame that interrupts the current turn.
func NewInterruptFrame(requestID string) ControlRequestFrame {
	return ControlRequestFrame{
		Type:      FrameTypeControlRequest,
		RequestID: requestID,
		Request:   ControlRequest{Subtype: SubtypeInterrupt},
	}
}

// FrameMeta is the envelope the client sniffs out of an otherwise opaque
// main-channel frame: type for routing, uuid for echo matching, and the
// control subtype for mode-change acknowledgements.
type FrameMeta struct {
	Type    string `json:"type"`
	UUID    string `json:"uuid,omitempty"`
	Request struct {
		Subtype string `json:"subtype,omitempty"`
	} `json:"request,omitempty"`
	Response struct {
		Subtype   string `json:"subtype,omitempty"`
		RequestID string `json:"request_id,omitempty"`
	} `json:"response,omitempty"`
}

// ParseFrameMeta extracts routing metadata from a raw frame. The rest of the
// payload stays opaque and is forwarded to the display layer untouched.
func ParseFrameMeta(raw []byte) (FrameMeta, error) {
	var meta FrameMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return FrameMeta{}, err
	}
	return meta, nil
}
