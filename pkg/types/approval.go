package types

// Approval behaviors.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// ExitPlanModeTool is the agent's request to leave planning mode. Approving
// it always switches the session permission mode back to default.
const ExitPlanModeTool = "ExitPlanMode"

// ApprovalRequest is an inbound frame on the approval channel asking the
// human to allow or deny a tool invocation.
type ApprovalRequest struct {
	ID        string         `json:"id"`
	Request   ToolUseRequest `json:"request"`
	CreatedAt int64          `json:"created_at"`
}

// ToolUseRequest is the nested can_use_tool payload passed through from the
// agent unmodified.
type ToolUseRequest struct {
	Subtype               string             `json:"subtype"`
	ToolName              string             `json:"tool_name"`
	Input                 map[string]any     `json:"input"`
	PermissionSuggestions []PermissionUpdate `json:"permission_suggestions,omitempty"`
}

// Valid reports whether the frame has the shape the correlator accepts.
func (r ApprovalRequest) Valid() bool {
	return r.ID != "" && r.Request.Subtype == SubtypeCanUseTool && r.Request.ToolName != ""
}

// ApprovalResponse is the outbound reply on the approval channel. Exactly
// one response is sent per request id.
type ApprovalResponse struct {
	ID       string           `json:"id"`
	Response ApprovalDecision `json:"response"`
}

type ApprovalDecision struct {
	Behavior           string             `json:"behavior"`
	UpdatedInput       map[string]any     `json:"updatedInput,omitempty"`
	UpdatedPermissions []PermissionUpdate `json:"updatedPermissions,omitempty"`
	Message            string             `json:"message,omitempty"`
}

// PermissionUpdate adjusts session permissions alongside an approval.
type PermissionUpdate struct {
	Type        string           `json:"type"`
	Mode        string           `json:"mode,omitempty"`
	Destination string           `json:"destination,omitempty"`
	Behavior    string           `json:"behavior,omitempty"`
	Rules       []PermissionRule `json:"rules,omitempty"`
}

type PermissionRule struct {
	ToolName    string `json:"toolName"`
	RuleContent string `json:"ruleContent,omitempty"`
}

// SetModeDefault is the implicit permission update bundled with every
// ExitPlanMode approval.
func SetModeDefault() PermissionUpdate {
	return PermissionUpdate{Type: "setMode", Mode: PermissionModeDefault, Destination: "session"}
}
