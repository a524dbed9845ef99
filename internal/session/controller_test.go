package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuya-takeyama/cc-console/internal/api"
	"github.com/yuya-takeyama/cc-console/internal/approval"
	"github.com/yuya-takeyama/cc-console/internal/channel"
	"github.com/yuya-takeyama/cc-console/pkg/types"
)

// fakeSocket is an in-memory stand-in for one websocket.
type fakeSocket struct {
	in     chan []byte
	closed chan struct{}

	mu        sync.Mutex
	written   [][]byte
	closeOnce sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		in:     make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (s *fakeSocket) ReadMessage() ([]byte, error) {
	select {
	case data := <-s.in:
		return data, nil
	case <-s.closed:
		return nil, errors.New("socket closed")
	}
}

func (s *fakeSocket) WriteMessage(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, data)
	return nil
}

func (s *fakeSocket) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) deliver(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	s.in <- data
}

func (s *fakeSocket) writtenFrames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.written))
	copy(out, s.written)
	return out
}

// fakeDialer hands out one fake socket per dialed URL.
type fakeDialer struct {
	mu         sync.Mutex
	sockets    map[string]*fakeSocket
	refuseMain bool
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{sockets: make(map[string]*fakeSocket)}
}

func (d *fakeDialer) Dial(_ context.Context, url string) (channel.Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.refuseMain && strings.HasSuffix(url, "/ws") && !strings.Contains(url, "/approvals/") {
		return nil, errors.New("connection refused")
	}
	sock := newFakeSocket()
	d.sockets[url] = sock
	return sock, nil
}

func (d *fakeDialer) setRefuseMain(v bool) {
	d.mu.Lock()
	d.refuseMain = v
	d.mu.Unlock()
}

// socketFor waits for the dial of a URL containing the given fragment.
func (d *fakeDialer) socketFor(t *testing.T, fragment string) *fakeSocket {
	t.Helper()
	var found *fakeSocket
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		for url, sock := range d.sockets {
			if strings.Contains(url, fragment) {
				found = sock
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "no socket dialed for %q", fragment)
	return found
}

// recordingFrameSink collects direction/channel pairs for every logged frame.
type recordingFrameSink struct {
	mu      sync.Mutex
	entries []string
}

func (s *recordingFrameSink) LogInbound(ch, _ string, _ []byte) { s.add("in:" + ch) }

func (s *recordingFrameSink) LogOutbound(ch, _ string, _ []byte) { s.add("out:" + ch) }

func (s *recordingFrameSink) add(entry string) {
	s.mu.Lock()
	s.entries = append(s.entries, entry)
	s.mu.Unlock()
}

func (s *recordingFrameSink) seen(entry string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e == entry {
			return true
		}
	}
	return false
}

// orchestrator is the mock server backing the controller tests.
type orchestrator struct {
	mu       sync.Mutex
	requests []api.CreateSessionRequest
	failNext bool
}

func (o *orchestrator) handleCreate(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var req api.CreateSessionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, `{"error":"bad json","code":"INVALID_REQUEST"}`, http.StatusBadRequest)
		return
	}

	o.mu.Lock()
	o.requests = append(o.requests, req)
	fail := o.failNext
	o.failNext = false
	o.mu.Unlock()

	if fail {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":"agent spawn failed","code":"SPAWN_FAILED"}`)
		return
	}

	sessionID := req.SessionID
	if req.Resume {
		sessionID = req.SessionID + "-forked"
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(api.CreateSessionResponse{
		SessionID:            sessionID,
		WebSocketURL:         "/api/v1/sessions/" + sessionID + "/ws",
		ApprovalWebSocketURL: "/api/v1/sessions/" + sessionID + "/approvals/ws",
	})
}

func (o *orchestrator) lastRequest() api.CreateSessionRequest {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.requests[len(o.requests)-1]
}

type testRig struct {
	ctrl   *Controller
	dialer *fakeDialer
	orch   *orchestrator
	server *httptest.Server
	sink   *recordingFrameSink

	mu        sync.Mutex
	approvals []types.ApprovalRequest
	events    []Event
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	orch := &orchestrator{}
	r := mux.NewRouter()
	r.HandleFunc("/api/v1/sessions", orch.handleCreate).Methods(http.MethodPost)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	rig := &testRig{dialer: newFakeDialer(), orch: orch, server: server, sink: &recordingFrameSink{}}
	rig.ctrl = NewController(Options{
		API:      api.New(server.URL, zerolog.Nop()),
		Dialer:   rig.dialer,
		Logger:   zerolog.Nop(),
		FrameLog: rig.sink,
		Handlers: Handlers{
			OnEvent: func(ev Event) {
				rig.mu.Lock()
				rig.events = append(rig.events, ev)
				rig.mu.Unlock()
			},
		},
		ApprovalHandlers: approval.Handlers{
			OnRequest: func(req types.ApprovalRequest) {
				rig.mu.Lock()
				rig.approvals = append(rig.approvals, req)
				rig.mu.Unlock()
			},
		},
		WorkingDir:  "/tmp/proj",
		SettleDelay: time.Millisecond,
		EchoTimeout: time.Second,
	})
	t.Cleanup(rig.ctrl.Close)
	return rig
}

func (r *testRig) approvalRequests() []types.ApprovalRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.ApprovalRequest, len(r.approvals))
	copy(out, r.approvals)
	return out
}

func (r *testRig) noticeTexts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.Kind == KindNotice {
			out = append(out, ev.Text)
		}
	}
	return out
}

func TestCreateSessionConnectsBothChannels(t *testing.T) {
	rig := newTestRig(t)

	require.NoError(t, rig.ctrl.Create(context.Background(), "/tmp/proj", "hi"))
	assert.Equal(t, StatusActive, rig.ctrl.Status())

	req := rig.orch.lastRequest()
	assert.False(t, req.Resume)
	assert.Equal(t, "/tmp/proj", req.WorkingDir)
	require.Len(t, req.BootstrapMessages, 2, "permission mode frame then user frame")

	var mode types.ControlRequestFrame
	require.NoError(t, json.Unmarshal([]byte(req.BootstrapMessages[0]), &mode))
	assert.Equal(t, types.SubtypeSetPermissionMode, mode.Request.Subtype)

	var user types.UserFrame
	require.NoError(t, json.Unmarshal([]byte(req.BootstrapMessages[1]), &user))
	assert.Equal(t, "hi", user.Message.Content)
	assert.NotEmpty(t, user.UUID)

	id := rig.ctrl.Identity()
	assert.Equal(t, req.SessionID, id.SessionID)
	assert.Contains(t, id.MainURL, "/ws")
	assert.Contains(t, id.ApprovalURL, "/approvals/ws")
	assert.True(t, strings.HasPrefix(id.MainURL, "ws://"))

	rig.dialer.socketFor(t, "/"+id.SessionID+"/ws")
	rig.dialer.socketFor(t, "/approvals/ws")

	// The bootstrap send is pending until its echo arrives.
	assert.True(t, rig.ctrl.Tracker().Pending())
	assert.Equal(t, "hi", rig.ctrl.Tracker().Draft())
}

func TestBootstrapEchoClearsDraft(t *testing.T) {
	rig := newTestRig(t)
	require.NoError(t, rig.ctrl.Create(context.Background(), "/tmp/proj", "hi"))

	req := rig.orch.lastRequest()
	var user types.UserFrame
	require.NoError(t, json.Unmarshal([]byte(req.BootstrapMessages[1]), &user))

	main := rig.dialer.socketFor(t, rig.ctrl.Identity().SessionID+"/ws")
	require.Eventually(t, func() bool {
		return rig.ctrl.Tracker().Pending()
	}, time.Second, 5*time.Millisecond)

	main.deliver(t, types.NewUserFrame(user.UUID, rig.ctrl.Identity().SessionID, "hi"))

	require.Eventually(t, func() bool {
		return !rig.ctrl.Tracker().Pending() && rig.ctrl.Tracker().Draft() == ""
	}, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, rig.ctrl.Events().Len(), 1, "echoed frame lands in the display log")
}

func TestApprovalDenyFlow(t *testing.T) {
	rig := newTestRig(t)
	require.NoError(t, rig.ctrl.Create(context.Background(), "/tmp/proj", "hi"))

	approvalSock := rig.dialer.socketFor(t, "/approvals/ws")
	require.Eventually(t, func() bool {
		return rig.ctrl.Status() == StatusActive
	}, time.Second, 5*time.Millisecond)

	approvalSock.deliver(t, types.ApprovalRequest{
		ID: "R1",
		Request: types.ToolUseRequest{
			Subtype:  types.SubtypeCanUseTool,
			ToolName: "Bash",
			Input:    map[string]any{"command": "ls"},
		},
		CreatedAt: time.Now().Unix(),
	})

	require.Eventually(t, func() bool {
		return len(rig.approvalRequests()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "Bash", rig.approvalRequests()[0].Request.ToolName)

	require.NoError(t, rig.ctrl.Approvals().Deny("R1", "not now"))
	assert.Zero(t, rig.ctrl.Approvals().Len())

	frames := approvalSock.writtenFrames()
	require.Len(t, frames, 1)
	var resp types.ApprovalResponse
	require.NoError(t, json.Unmarshal(frames[0], &resp))
	assert.Equal(t, "R1", resp.ID)
	assert.Equal(t, types.BehaviorDeny, resp.Response.Behavior)
	assert.Equal(t, "not now", resp.Response.Message)

	// A second answer never reaches the wire.
	assert.ErrorIs(t, rig.ctrl.Approvals().Deny("R1", "again"), approval.ErrAlreadyAnswered)
	assert.Len(t, approvalSock.writtenFrames(), 1)
}

func TestWireTrafficReachesFrameSink(t *testing.T) {
	rig := newTestRig(t)
	require.NoError(t, rig.ctrl.Create(context.Background(), "/tmp/proj", "hi"))
	sessionID := rig.ctrl.Identity().SessionID

	// Inbound main frame: the bootstrap echo.
	req := rig.orch.lastRequest()
	var user types.UserFrame
	require.NoError(t, json.Unmarshal([]byte(req.BootstrapMessages[1]), &user))
	main := rig.dialer.socketFor(t, sessionID+"/ws")
	main.deliver(t, types.NewUserFrame(user.UUID, sessionID, "hi"))

	// Outbound main frames, a mode assertion and a user turn.
	require.Eventually(t, func() bool {
		return !rig.ctrl.Tracker().Pending()
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, rig.ctrl.Send(context.Background(), "next question"))

	// Inbound approval request, outbound denial.
	approvalSock := rig.dialer.socketFor(t, "/approvals/ws")
	approvalSock.deliver(t, types.ApprovalRequest{
		ID: "R1",
		Request: types.ToolUseRequest{
			Subtype:  types.SubtypeCanUseTool,
			ToolName: "Bash",
			Input:    map[string]any{"command": "ls"},
		},
		CreatedAt: time.Now().Unix(),
	})
	require.Eventually(t, func() bool {
		return rig.ctrl.Approvals().Len() == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, rig.ctrl.Approvals().Deny("R1", "no"))

	for _, want := range []string{"in:main", "out:main", "in:approval", "out:approval"} {
		require.Eventually(t, func() bool {
			return rig.sink.seen(want)
		}, time.Second, 5*time.Millisecond, "missing %s in the frame sink", want)
	}
}

func TestMainCloseMarksInactiveWithCompletedNotice(t *testing.T) {
	rig := newTestRig(t)
	require.NoError(t, rig.ctrl.Create(context.Background(), "/tmp/proj", "hi"))
	sessionID := rig.ctrl.Identity().SessionID

	main := rig.dialer.socketFor(t, sessionID+"/ws")
	main.Close()

	require.Eventually(t, func() bool {
		return rig.ctrl.Status() == StatusInactive
	}, time.Second, 5*time.Millisecond)

	notices := rig.noticeTexts()
	require.Len(t, notices, 1)
	assert.Contains(t, notices[0], sessionID)
	assert.Contains(t, notices[0], "completed")

	// Redelivering the close signal does not duplicate the notice.
	rig.ctrl.handleMainClose(errors.New("late duplicate"))
	assert.Len(t, rig.noticeTexts(), 1)
}

func TestResumeMintsNewIdentityAndDiscardsApprovals(t *testing.T) {
	rig := newTestRig(t)
	require.NoError(t, rig.ctrl.Create(context.Background(), "/tmp/proj", "hi"))
	firstID := rig.ctrl.Identity().SessionID

	// Leave an unanswered approval behind, then lose the agent.
	approvalSock := rig.dialer.socketFor(t, "/approvals/ws")
	approvalSock.deliver(t, types.ApprovalRequest{
		ID:        "stale-1",
		Request:   types.ToolUseRequest{Subtype: types.SubtypeCanUseTool, ToolName: "Bash"},
		CreatedAt: time.Now().Unix(),
	})
	require.Eventually(t, func() bool {
		return rig.ctrl.Approvals().Len() == 1
	}, time.Second, 5*time.Millisecond)

	rig.dialer.socketFor(t, firstID+"/ws").Close()
	require.Eventually(t, func() bool {
		return rig.ctrl.Status() == StatusInactive
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, rig.ctrl.Resume(context.Background(), "continue"))
	assert.Equal(t, StatusActive, rig.ctrl.Status())

	newID := rig.ctrl.Identity().SessionID
	assert.Equal(t, firstID+"-forked", newID)
	assert.NotEqual(t, firstID, newID, "resume forks under a new identity")

	req := rig.orch.lastRequest()
	assert.True(t, req.Resume)
	assert.Equal(t, firstID, req.SessionID, "fork is requested by the prior id")

	// State scoped to the old identity is gone.
	assert.Zero(t, rig.ctrl.Approvals().Len())
	require.Eventually(t, func() bool {
		return rig.ctrl.approvals.IsConnected()
	}, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, rig.ctrl.Approvals().Deny("stale-1", ""), approval.ErrUnknownRequest)
}

func TestCreateFailureRollsBackStatus(t *testing.T) {
	rig := newTestRig(t)
	rig.orch.failNext = true

	err := rig.ctrl.Create(context.Background(), "/tmp/proj", "hi")
	require.Error(t, err)
	var apiErr *api.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "SPAWN_FAILED", apiErr.Code)

	assert.Equal(t, StatusNone, rig.ctrl.Status())
	assert.Equal(t, Identity{}, rig.ctrl.Identity())

	// A retry works once the orchestrator recovers.
	require.NoError(t, rig.ctrl.Create(context.Background(), "/tmp/proj", "hi"))
	assert.Equal(t, StatusActive, rig.ctrl.Status())
}

func TestCreateFailurePreservesDraft(t *testing.T) {
	rig := newTestRig(t)
	rig.orch.failNext = true

	err := rig.ctrl.Create(context.Background(), "/tmp/proj", "hi")
	require.Error(t, err)
	assert.Equal(t, StatusNone, rig.ctrl.Status())
	assert.Equal(t, "hi", rig.ctrl.Draft(), "failed create keeps the text for retry")

	// The retry dispatches the same text; its echo clears the draft.
	require.NoError(t, rig.ctrl.Create(context.Background(), "/tmp/proj", "hi"))

	req := rig.orch.lastRequest()
	var user types.UserFrame
	require.NoError(t, json.Unmarshal([]byte(req.BootstrapMessages[1]), &user))

	main := rig.dialer.socketFor(t, rig.ctrl.Identity().SessionID+"/ws")
	main.deliver(t, types.NewUserFrame(user.UUID, rig.ctrl.Identity().SessionID, "hi"))

	require.Eventually(t, func() bool {
		return rig.ctrl.Draft() == ""
	}, time.Second, 5*time.Millisecond)
}

func TestResumeFailurePreservesDraft(t *testing.T) {
	rig := newTestRig(t)
	require.NoError(t, rig.ctrl.Create(context.Background(), "/tmp/proj", "hi"))

	rig.dialer.socketFor(t, rig.ctrl.Identity().SessionID+"/ws").Close()
	require.Eventually(t, func() bool {
		return rig.ctrl.Status() == StatusInactive
	}, time.Second, 5*time.Millisecond)

	rig.orch.failNext = true
	require.Error(t, rig.ctrl.Resume(context.Background(), "pick it back up"))
	assert.Equal(t, StatusInactive, rig.ctrl.Status())
	assert.Equal(t, "pick it back up", rig.ctrl.Draft())
}

func TestMainDialFailureSurfacesInactive(t *testing.T) {
	rig := newTestRig(t)
	rig.dialer.setRefuseMain(true)

	err := rig.ctrl.Create(context.Background(), "/tmp/proj", "hi")
	require.ErrorIs(t, err, ErrMainChannelClosed)
	assert.Equal(t, StatusInactive, rig.ctrl.Status(), "a dead main channel must not report Active")

	notices := rig.noticeTexts()
	require.Len(t, notices, 1)
	assert.Contains(t, notices[0], "completed")

	// Resume recovers once the endpoint accepts connections again.
	rig.dialer.setRefuseMain(false)
	require.NoError(t, rig.ctrl.Resume(context.Background(), "hi again"))
	assert.Equal(t, StatusActive, rig.ctrl.Status())
}

func TestResumeWithoutPriorSession(t *testing.T) {
	rig := newTestRig(t)
	assert.ErrorIs(t, rig.ctrl.Resume(context.Background(), "hello"), ErrNoSession)
}

func TestTransitionsAreSerialized(t *testing.T) {
	rig := newTestRig(t)

	require.NoError(t, rig.ctrl.beginTransition(StatusCreating))
	assert.ErrorIs(t, rig.ctrl.Create(context.Background(), "/tmp/proj", "hi"), ErrTransitionInProgress)
	assert.ErrorIs(t, rig.ctrl.Send(context.Background(), "hi"), ErrTransitionInProgress)
}

func TestSendRoutesByStatus(t *testing.T) {
	rig := newTestRig(t)

	// No session yet: Send creates one.
	require.NoError(t, rig.ctrl.Send(context.Background(), "first message"))
	assert.Equal(t, StatusActive, rig.ctrl.Status())
	assert.False(t, rig.orch.lastRequest().Resume)

	sessionID := rig.ctrl.Identity().SessionID
	main := rig.dialer.socketFor(t, sessionID+"/ws")

	// Clear the bootstrap send so an active-session Send is allowed.
	req := rig.orch.lastRequest()
	var user types.UserFrame
	require.NoError(t, json.Unmarshal([]byte(req.BootstrapMessages[1]), &user))
	main.deliver(t, types.NewUserFrame(user.UUID, sessionID, "first message"))
	require.Eventually(t, func() bool {
		return !rig.ctrl.Tracker().Pending()
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return rig.ctrl.Send(context.Background(), "second message") == nil
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(main.writtenFrames()) == 2
	}, time.Second, 5*time.Millisecond)

	// Agent exits; the next Send resumes.
	main.Close()
	require.Eventually(t, func() bool {
		return rig.ctrl.Status() == StatusInactive
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, rig.ctrl.Send(context.Background(), "third message"))
	assert.Equal(t, StatusActive, rig.ctrl.Status())
	assert.True(t, rig.orch.lastRequest().Resume)
	assert.NotEqual(t, sessionID, rig.ctrl.Identity().SessionID)
}

func TestInterruptRequiresActiveSession(t *testing.T) {
	rig := newTestRig(t)
	assert.ErrorIs(t, rig.ctrl.Interrupt(), ErrNotActive)

	require.NoError(t, rig.ctrl.Create(context.Background(), "/tmp/proj", "hi"))
	main := rig.dialer.socketFor(t, rig.ctrl.Identity().SessionID+"/ws")
	require.Eventually(t, func() bool {
		return rig.ctrl.Interrupt() == nil
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		for _, raw := range main.writtenFrames() {
			var frame types.ControlRequestFrame
			if json.Unmarshal(raw, &frame) == nil && frame.Request.Subtype == types.SubtypeInterrupt {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestSetPermissionModeAsserted(t *testing.T) {
	rig := newTestRig(t)
	rig.ctrl.SetPermissionMode(types.PermissionModePlan)
	assert.Equal(t, types.PermissionModePlan, rig.ctrl.PermissionMode())

	require.NoError(t, rig.ctrl.Create(context.Background(), "/tmp/proj", "hi"))
	req := rig.orch.lastRequest()
	var mode types.ControlRequestFrame
	require.NoError(t, json.Unmarshal([]byte(req.BootstrapMessages[0]), &mode))
	assert.Equal(t, types.PermissionModePlan, mode.Request.Mode, "bootstrap carries the selected mode")
}
