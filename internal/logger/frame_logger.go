package logger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FrameLog represents a structured log entry for one wire frame
type FrameLog struct {
	Time      string          `json:"time"`
	Direction string          `json:"direction"`
	Channel   string          `json:"channel"`
	SessionID string          `json:"session_id,omitempty"`
	Frame     json.RawMessage `json:"frame"`
}

// FrameLogger records every frame crossing the session channels as JSONL,
// one object per line. It exists for protocol debugging; the main log stays
// readable while this file captures the full wire traffic.
type FrameLogger struct {
	mu   sync.Mutex
	file *os.File
}

// NewFrameLogger creates a logger appending to logPath.
func NewFrameLogger(logPath string) (*FrameLogger, error) {
	logDir := filepath.Dir(logPath)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open frame log: %w", err)
	}

	return &FrameLogger{file: file}, nil
}

// Close closes the log file
func (l *FrameLogger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Log writes one frame entry. Invalid JSON frames are skipped; the channel
// layer already drops them before delivery.
func (l *FrameLogger) Log(direction, channel, sessionID string, frame []byte) {
	if !json.Valid(frame) {
		return
	}

	entry := FrameLog{
		Time:      time.Now().Format(time.RFC3339Nano),
		Direction: direction,
		Channel:   channel,
		SessionID: sessionID,
		Frame:     frame,
	}

	jsonData, err := json.Marshal(entry)
	if err != nil {
		return
	}

	l.mu.Lock()
	fmt.Fprintf(l.file, "%s\n", jsonData)
	l.mu.Unlock()
}

// LogInbound records a frame received from the server.
func (l *FrameLogger) LogInbound(channel, sessionID string, frame []byte) {
	l.Log("in", channel, sessionID, frame)
}

// LogOutbound records a frame sent to the server.
func (l *FrameLogger) LogOutbound(channel, sessionID string, frame []byte) {
	l.Log("out", channel, sessionID, frame)
}
