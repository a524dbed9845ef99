// Package console implements the interactive terminal front end: plain
// lines become user turns, slash commands drive the session lifecycle and
// approvals.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/yuya-takeyama/cc-console/internal/api"
	"github.com/yuya-takeyama/cc-console/internal/discovery"
	"github.com/yuya-takeyama/cc-console/internal/messages"
	"github.com/yuya-takeyama/cc-console/internal/session"
	"github.com/yuya-takeyama/cc-console/pkg/types"
)

// SessionController is the slice of the session controller the console uses.
type SessionController interface {
	Send(ctx context.Context, text string) error
	Create(ctx context.Context, workDir, message string) error
	ResumeSession(ctx context.Context, priorID, workDir, message string) error
	Interrupt() error
	SetPermissionMode(mode string)
	Status() session.Status
	Identity() session.Identity
	PermissionMode() string
	Draft() string
}

// ApprovalResponder answers pending tool approvals.
type ApprovalResponder interface {
	Allow(id string, updatedInput map[string]any, updatedPermissions []types.PermissionUpdate) error
	Deny(id, message string) error
	Current() (types.ApprovalRequest, bool)
	Pending() []types.ApprovalRequest
}

// SessionLister lists sessions known to the orchestrator.
type SessionLister interface {
	ListSessions(ctx context.Context) ([]api.SessionInfo, error)
}

// SessionFinder locates terminated sessions on the local disk.
type SessionFinder interface {
	Scan() ([]discovery.Session, error)
	Find(sessionID string) (discovery.Session, bool, error)
}

// Console wires user input to the session controller.
type Console struct {
	ctrl      SessionController
	approvals ApprovalResponder
	lister    SessionLister
	finder    SessionFinder
	out       io.Writer
	logger    zerolog.Logger
}

// New creates a console. finder may be nil when no projects directory is
// configured.
func New(ctrl SessionController, approvals ApprovalResponder, lister SessionLister, finder SessionFinder, out io.Writer, logger zerolog.Logger) *Console {
	return &Console{
		ctrl:      ctrl,
		approvals: approvals,
		lister:    lister,
		finder:    finder,
		out:       out,
		logger:    logger.With().Str("component", "console").Logger(),
	}
}

// Run reads lines from in until EOF or /quit.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	c.prompt()
	for scanner.Scan() {
		quit := c.HandleLine(ctx, scanner.Text())
		if quit {
			return nil
		}
		c.prompt()
	}
	return scanner.Err()
}

func (c *Console) prompt() {
	fmt.Fprintf(c.out, "[%s] > ", c.ctrl.Status())
}

// HandleLine processes one input line and reports whether the console
// should exit.
func (c *Console) HandleLine(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	if !strings.HasPrefix(line, "/") {
		if err := c.ctrl.Send(ctx, line); err != nil {
			c.printErr(err)
		}
		return false
	}

	cmd, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "quit", "exit", "q":
		return true
	case "help":
		c.printHelp()
	case "sessions":
		c.cmdSessions(ctx)
	case "resume":
		c.cmdResume(ctx, rest)
	case "mode":
		c.cmdMode(rest)
	case "allow":
		c.cmdAllow(rest)
	case "deny":
		c.cmdDeny(rest)
	case "approvals":
		c.cmdApprovals()
	case "interrupt":
		if err := c.ctrl.Interrupt(); err != nil {
			c.printErr(err)
		}
	case "status":
		c.cmdStatus()
	default:
		fmt.Fprintf(c.out, "unknown command /%s, try /help\n", cmd)
	}
	return false
}

// PrintEvent renders one controller event; wired as the OnEvent handler.
func (c *Console) PrintEvent(ev session.Event) {
	switch ev.Kind {
	case session.KindNotice:
		fmt.Fprintln(c.out, ev.Text)
	case session.KindFrame:
		if text, ok := messages.RenderFrame(ev.Raw); ok {
			fmt.Fprintln(c.out, text)
		}
	}
}

// PrintApprovalPrompt announces a newly pending approval; wired as the
// correlator's OnRequest handler.
func (c *Console) PrintApprovalPrompt(req types.ApprovalRequest) {
	fmt.Fprintln(c.out, messages.FormatApprovalPrompt(req))
}

func (c *Console) cmdSessions(ctx context.Context) {
	listed := make(map[string]bool)

	if c.lister != nil {
		sessions, err := c.lister.ListSessions(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Orchestrator session list unavailable")
		} else {
			for _, s := range sessions {
				listed[s.SessionID] = true
				marker := " "
				if s.Active {
					marker = "*"
				}
				fmt.Fprintf(c.out, "%s %s  %s  %s\n", marker, s.SessionID, s.WorkingDirectory, s.Summary)
			}
		}
	}

	if c.finder == nil {
		return
	}
	local, err := c.finder.Scan()
	if err != nil {
		c.printErr(err)
		return
	}
	for _, s := range local {
		if listed[s.SessionID] {
			continue
		}
		fmt.Fprintf(c.out, "  %s  %s  %s\n", s.SessionID, s.WorkingDir, s.Summary)
	}
}

func (c *Console) cmdResume(ctx context.Context, rest string) {
	id, message, _ := strings.Cut(rest, " ")
	if id == "" {
		fmt.Fprintln(c.out, "usage: /resume <session-id> [message]")
		return
	}
	message = strings.TrimSpace(message)
	if message == "" {
		message = "continue"
	}

	workDir := c.ctrl.Identity().WorkingDir
	if c.finder != nil {
		if found, ok, err := c.finder.Find(id); err == nil && ok {
			workDir = found.WorkingDir
		}
	}
	if workDir == "" {
		fmt.Fprintf(c.out, "cannot determine working directory for %s\n", id)
		return
	}

	if err := c.ctrl.ResumeSession(ctx, id, workDir, message); err != nil {
		c.printErr(err)
	}
}

func (c *Console) cmdMode(rest string) {
	if rest == "" {
		fmt.Fprintf(c.out, "permission mode: %s\n", c.ctrl.PermissionMode())
		return
	}
	switch rest {
	case types.PermissionModeDefault, types.PermissionModeAcceptEdits,
		types.PermissionModePlan, types.PermissionModeBypassPermissions:
		c.ctrl.SetPermissionMode(rest)
		fmt.Fprintf(c.out, "permission mode: %s\n", rest)
	default:
		fmt.Fprintf(c.out, "invalid mode %q (default, acceptEdits, plan, bypassPermissions)\n", rest)
	}
}

func (c *Console) cmdAllow(rest string) {
	req, ok := c.approvals.Current()
	if !ok {
		fmt.Fprintln(c.out, "no pending approval")
		return
	}

	var updates []types.PermissionUpdate
	if rest == "always" {
		// The agent suggests the rule that would whitelist this call.
		updates = req.Request.PermissionSuggestions
		if len(updates) == 0 {
			fmt.Fprintln(c.out, "no permission suggestions to persist, approving once")
		}
	}

	if err := c.approvals.Allow(req.ID, nil, updates); err != nil {
		c.printErr(err)
		return
	}
	fmt.Fprintf(c.out, "approved %s\n", req.Request.ToolName)
}

func (c *Console) cmdDeny(rest string) {
	req, ok := c.approvals.Current()
	if !ok {
		fmt.Fprintln(c.out, "no pending approval")
		return
	}

	if err := c.approvals.Deny(req.ID, rest); err != nil {
		c.printErr(err)
		return
	}
	fmt.Fprintf(c.out, "denied %s\n", req.Request.ToolName)
}

func (c *Console) cmdApprovals() {
	pending := c.approvals.Pending()
	if len(pending) == 0 {
		fmt.Fprintln(c.out, "no pending approvals")
		return
	}
	for i, req := range pending {
		fmt.Fprintf(c.out, "%d. %s (%s)\n", i+1, req.Request.ToolName, req.ID)
	}
}

func (c *Console) cmdStatus() {
	id := c.ctrl.Identity()
	fmt.Fprintf(c.out, "status: %s\n", c.ctrl.Status())
	if id.SessionID != "" {
		fmt.Fprintf(c.out, "session: %s\n", id.SessionID)
		fmt.Fprintf(c.out, "working dir: %s\n", id.WorkingDir)
	}
	fmt.Fprintf(c.out, "permission mode: %s\n", c.ctrl.PermissionMode())
	if draft := c.ctrl.Draft(); draft != "" {
		fmt.Fprintf(c.out, "unconfirmed send: %q\n", draft)
	}
}

func (c *Console) printHelp() {
	fmt.Fprint(c.out, `commands:
  /sessions            list known sessions (* = active)
  /resume <id> [msg]   fork a terminated session under a new id
  /mode [mode]         show or set the permission mode
  /allow [always]      approve the oldest pending tool request
  /deny [reason]       reject the oldest pending tool request
  /approvals           list pending approvals
  /interrupt           stop the current turn
  /status              show session status
  /quit                exit
`)
}

func (c *Console) printErr(err error) {
	fmt.Fprintf(c.out, "error: %v\n", err)
}
