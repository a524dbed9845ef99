package session

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuya-takeyama/cc-console/pkg/types"
)

type fakeMainConn struct {
	mu        sync.Mutex
	connected bool
	sent      []any
}

func (f *fakeMainConn) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeMainConn) Send(v any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, v)
}

func (f *fakeMainConn) sentFrames() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]any, len(f.sent))
	copy(out, f.sent)
	return out
}

func TestSubmitRequiresOpenChannel(t *testing.T) {
	conn := &fakeMainConn{connected: false}
	tr := NewTracker(conn, time.Second, nil, zerolog.Nop())

	err := tr.Submit("sess-1", types.PermissionModeDefault, "hello")
	assert.ErrorIs(t, err, ErrChannelNotReady)
	assert.False(t, tr.Pending())
}

func TestSubmitSendsModeThenUserFrame(t *testing.T) {
	conn := &fakeMainConn{connected: true}
	tr := NewTracker(conn, time.Second, nil, zerolog.Nop())

	require.NoError(t, tr.Submit("sess-1", types.PermissionModePlan, "write a plan"))

	frames := conn.sentFrames()
	require.Len(t, frames, 2)

	ctrl, ok := frames[0].(types.ControlRequestFrame)
	require.True(t, ok, "first frame should be the permission mode control request")
	assert.Equal(t, types.SubtypeSetPermissionMode, ctrl.Request.Subtype)
	assert.Equal(t, types.PermissionModePlan, ctrl.Request.Mode)

	user, ok := frames[1].(types.UserFrame)
	require.True(t, ok, "second frame should be the user message")
	assert.Equal(t, "sess-1", user.SessionID)
	assert.Equal(t, "write a plan", user.Message.Content)
	assert.NotEmpty(t, user.UUID)

	assert.True(t, tr.Pending())
	assert.Equal(t, "write a plan", tr.Draft())
}

func TestSubmitRefusedWhilePending(t *testing.T) {
	conn := &fakeMainConn{connected: true}
	tr := NewTracker(conn, time.Second, nil, zerolog.Nop())

	require.NoError(t, tr.Submit("sess-1", types.PermissionModeDefault, "first"))
	err := tr.Submit("sess-1", types.PermissionModeDefault, "second")
	assert.ErrorIs(t, err, ErrSendPending)

	// Only the first submission reached the wire.
	assert.Len(t, conn.sentFrames(), 2)
	assert.Equal(t, "first", tr.Draft())
}

func TestEchoClearsPendingAndDraft(t *testing.T) {
	conn := &fakeMainConn{connected: true}
	var clearedUUID string
	var clearedEchoed bool
	tr := NewTracker(conn, time.Second, func(uuid string, echoed bool) {
		clearedUUID = uuid
		clearedEchoed = echoed
	}, zerolog.Nop())

	require.NoError(t, tr.Submit("sess-1", types.PermissionModeDefault, "hello"))
	sendUUID := tr.pendingUUID

	// A mismatched echo changes nothing.
	tr.HandleEcho("some-other-uuid")
	assert.True(t, tr.Pending())
	assert.Equal(t, "hello", tr.Draft())

	tr.HandleEcho(sendUUID)
	assert.False(t, tr.Pending())
	assert.Empty(t, tr.Draft(), "draft clears only once the echo arrives")
	assert.Equal(t, sendUUID, clearedUUID)
	assert.True(t, clearedEchoed)
}

func TestTimeoutClearsPendingButKeepsDraft(t *testing.T) {
	conn := &fakeMainConn{connected: true}
	var timedOut func()
	var clearedEchoed = true
	tr := NewTracker(conn, 5*time.Second, func(uuid string, echoed bool) {
		clearedEchoed = echoed
	}, zerolog.Nop())
	tr.afterFunc = func(d time.Duration, fn func()) *time.Timer {
		assert.Equal(t, 5*time.Second, d)
		timedOut = fn
		return time.NewTimer(time.Hour)
	}

	require.NoError(t, tr.Submit("sess-1", types.PermissionModeDefault, "hello"))
	require.NotNil(t, timedOut)

	timedOut()
	assert.False(t, tr.Pending())
	assert.Equal(t, "hello", tr.Draft(), "text stays for manual resubmission")
	assert.False(t, clearedEchoed)

	// No automatic retry.
	assert.Len(t, conn.sentFrames(), 2)
}

func TestStaleTimeoutIgnoredAfterEcho(t *testing.T) {
	conn := &fakeMainConn{connected: true}
	var timers []func()
	tr := NewTracker(conn, time.Second, nil, zerolog.Nop())
	tr.afterFunc = func(d time.Duration, fn func()) *time.Timer {
		timers = append(timers, fn)
		return time.NewTimer(time.Hour)
	}

	require.NoError(t, tr.Submit("sess-1", types.PermissionModeDefault, "hello"))
	tr.HandleEcho(tr.pendingUUID)
	require.Empty(t, tr.Draft())

	require.NoError(t, tr.Submit("sess-1", types.PermissionModeDefault, "next"))
	require.Len(t, timers, 2)

	// The first submission's timer firing late must not clear the second.
	timers[0]()
	assert.True(t, tr.Pending())
	assert.Equal(t, "next", tr.Draft())
}

func TestTrackAdoptsBootstrapSend(t *testing.T) {
	conn := &fakeMainConn{connected: true}
	tr := NewTracker(conn, time.Second, nil, zerolog.Nop())

	tr.Track("bootstrap-uuid", "initial prompt")
	assert.True(t, tr.Pending())
	assert.Equal(t, "initial prompt", tr.Draft())

	tr.HandleEcho("bootstrap-uuid")
	assert.False(t, tr.Pending())
	assert.Empty(t, tr.Draft())

	// Nothing was written to the wire; the bootstrap frame traveled via the
	// session create call.
	assert.Empty(t, conn.sentFrames())
}

func TestResetDiscardsPendingState(t *testing.T) {
	conn := &fakeMainConn{connected: true}
	tr := NewTracker(conn, time.Second, nil, zerolog.Nop())

	require.NoError(t, tr.Submit("sess-1", types.PermissionModeDefault, "hello"))
	tr.Reset()

	assert.False(t, tr.Pending())
	assert.Empty(t, tr.Draft())
}
