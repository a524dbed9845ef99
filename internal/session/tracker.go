package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yuya-takeyama/cc-console/pkg/types"
)

var (
	// ErrSendPending is returned while an earlier send awaits its echo.
	ErrSendPending = errors.New("a message send is already pending")

	// ErrChannelNotReady is returned when the main channel is not open.
	ErrChannelNotReady = errors.New("main channel not ready")
)

// Sender is the slice of the channel connection the tracker needs.
type Sender interface {
	IsConnected() bool
	Send(v any)
}

// Tracker guarantees at most one unacknowledged user message in flight. A
// submitted message stays pending until the server echoes its uuid back on
// the main channel or a timeout fires, whichever comes first.
type Tracker struct {
	conn    Sender
	timeout time.Duration
	logger  zerolog.Logger

	// onCleared fires when the pending send resolves; echoed is false on
	// timeout.
	onCleared func(uuid string, echoed bool)

	mu          sync.Mutex
	pendingUUID string
	submittedAt time.Time
	draft       string
	timer       *time.Timer

	afterFunc func(time.Duration, func()) *time.Timer
}

// NewTracker creates a tracker over the main channel connection.
func NewTracker(conn Sender, timeout time.Duration, onCleared func(uuid string, echoed bool), logger zerolog.Logger) *Tracker {
	return &Tracker{
		conn:      conn,
		timeout:   timeout,
		onCleared: onCleared,
		logger:    logger.With().Str("component", "tracker").Logger(),
		afterFunc: time.AfterFunc,
	}
}

// Submit sends text as a user turn on an active session, preceded by a
// permission-mode control frame. It refuses while a send is pending or the
// channel is not open.
func (t *Tracker) Submit(sessionID, permissionMode, text string) error {
	t.mu.Lock()
	if t.pendingUUID != "" {
		t.mu.Unlock()
		return ErrSendPending
	}
	if !t.conn.IsConnected() {
		t.mu.Unlock()
		return ErrChannelNotReady
	}
	sendUUID := uuid.NewString()
	t.armLocked(sendUUID, text)
	t.mu.Unlock()

	// The server keeps no memory of the client-selected permission mode, so
	// every user turn re-asserts it first.
	t.conn.Send(types.NewSetPermissionModeFrame(uuid.NewString(), permissionMode))
	t.conn.Send(types.NewUserFrame(sendUUID, sessionID, text))

	t.logger.Debug().Str("uuid", sendUUID).Msg("User message dispatched, awaiting echo")
	return nil
}

// Track marks an externally dispatched message (a bootstrap user frame) as
// the pending send so its echo clears the draft like any other.
func (t *Tracker) Track(sendUUID, text string) {
	t.mu.Lock()
	t.cancelTimerLocked()
	t.armLocked(sendUUID, text)
	t.mu.Unlock()
}

// HandleEcho resolves the pending send when the echoed uuid matches.
func (t *Tracker) HandleEcho(echoUUID string) {
	t.mu.Lock()
	if echoUUID == "" || echoUUID != t.pendingUUID {
		t.mu.Unlock()
		return
	}
	t.clearLocked()
	t.draft = ""
	handler := t.onCleared
	t.mu.Unlock()

	t.logger.Debug().Str("uuid", echoUUID).Msg("Echo received, send confirmed")
	if handler != nil {
		handler(echoUUID, true)
	}
}

// SetDraft stores text as the unconfirmed draft without arming a send; used
// when a transition fails before anything was dispatched.
func (t *Tracker) SetDraft(text string) {
	t.mu.Lock()
	t.draft = text
	t.mu.Unlock()
}

// Reset discards pending state; used when the session identity changes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.clearLocked()
	t.draft = ""
	t.mu.Unlock()
}

// Pending reports whether a send awaits its echo.
func (t *Tracker) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pendingUUID != ""
}

// Draft returns the text of the unconfirmed send, empty once echoed.
func (t *Tracker) Draft() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.draft
}

func (t *Tracker) armLocked(sendUUID, text string) {
	t.pendingUUID = sendUUID
	t.submittedAt = time.Now()
	t.draft = text
	t.timer = t.afterFunc(t.timeout, func() {
		t.expire(sendUUID)
	})
}

// expire clears a send whose echo never arrived. Nothing is re-sent: the
// message may have reached the server anyway, and a duplicate turn is worse
// than a lost one. The draft stays for the user to resubmit by hand.
func (t *Tracker) expire(sendUUID string) {
	t.mu.Lock()
	if sendUUID != t.pendingUUID {
		t.mu.Unlock()
		return
	}
	t.clearLocked()
	handler := t.onCleared
	t.mu.Unlock()

	t.logger.Warn().Str("uuid", sendUUID).Msg("No echo within timeout, send presumed lost")
	if handler != nil {
		handler(sendUUID, false)
	}
}

func (t *Tracker) clearLocked() {
	t.pendingUUID = ""
	t.cancelTimerLocked()
}

func (t *Tracker) cancelTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
