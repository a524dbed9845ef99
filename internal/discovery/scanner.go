// Package discovery scans the local Claude projects directory for session
// transcripts, so terminated sessions can be listed and offered for resume
// without asking the orchestrator.
package discovery

import (
	"bufio"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// Session is one session found on disk.
type Session struct {
	SessionID           string
	WorkingDir          string
	Summary             string
	EarliestMessageDate string
	LatestMessageDate   string
}

// Scanner reads session transcripts under a projects directory.
type Scanner struct {
	projectsDir string
	logger      zerolog.Logger
}

// NewScanner creates a scanner rooted at projectsDir.
func NewScanner(projectsDir string, logger zerolog.Logger) *Scanner {
	return &Scanner{
		projectsDir: projectsDir,
		logger:      logger.With().Str("component", "discovery").Logger(),
	}
}

// transcriptLine is the slice of a transcript entry the scanner reads. The
// rest of each line stays unparsed.
type transcriptLine struct {
	Type      string `json:"type"`
	Summary   string `json:"summary"`
	LeafUUID  string `json:"leafUuid"`
	UUID      string `json:"uuid"`
	SessionID string `json:"sessionId"`
	Cwd       string `json:"cwd"`
	Timestamp string `json:"timestamp"`
}

// Scan walks every .jsonl transcript and assembles per-session metadata.
// Summary entries reference the uuid of their conversation's leaf message;
// a session gets the summary whose leafUuid matches one of its lines.
// Unreadable files and unparseable lines are skipped.
func (s *Scanner) Scan() ([]Session, error) {
	var files []string
	err := filepath.WalkDir(s.projectsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// A vanished subdirectory mid-walk is not fatal.
			return nil
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".jsonl") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// leafUuid -> summary text, across all files.
	summaries := make(map[string]string)
	// sessionId -> owning session, uuid -> sessionId of the line.
	sessions := make(map[string]*Session)
	lineOwner := make(map[string]string)

	for _, path := range files {
		if err := s.scanFile(path, summaries, sessions, lineOwner); err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("Skipping unreadable transcript")
		}
	}

	// Attach summaries via the leaf uuid of each summarized conversation.
	for leafUUID, text := range summaries {
		if sessionID, ok := lineOwner[leafUUID]; ok {
			if session, ok := sessions[sessionID]; ok && session.Summary == "" {
				session.Summary = text
			}
		}
	}

	out := make([]Session, 0, len(sessions))
	for _, session := range sessions {
		if session.WorkingDir == "" {
			continue
		}
		out = append(out, *session)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].LatestMessageDate != out[j].LatestMessageDate {
			return out[i].LatestMessageDate > out[j].LatestMessageDate
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out, nil
}

func (s *Scanner) scanFile(path string, summaries map[string]string, sessions map[string]*Session, lineOwner map[string]string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var line transcriptLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}

		if line.Type == "summary" && line.Summary != "" && line.LeafUUID != "" {
			summaries[line.LeafUUID] = line.Summary
			continue
		}

		if line.SessionID == "" {
			continue
		}

		session, ok := sessions[line.SessionID]
		if !ok {
			session = &Session{SessionID: line.SessionID}
			sessions[line.SessionID] = session
		}
		if session.WorkingDir == "" && line.Cwd != "" {
			session.WorkingDir = line.Cwd
		}
		if line.UUID != "" {
			lineOwner[line.UUID] = line.SessionID
		}
		if line.Timestamp != "" {
			// RFC 3339 timestamps order lexicographically.
			if session.EarliestMessageDate == "" || line.Timestamp < session.EarliestMessageDate {
				session.EarliestMessageDate = line.Timestamp
			}
			if session.LatestMessageDate == "" || line.Timestamp > session.LatestMessageDate {
				session.LatestMessageDate = line.Timestamp
			}
		}
	}
	return scanner.Err()
}

// Find returns the session with the given id, scanning the projects dir.
func (s *Scanner) Find(sessionID string) (Session, bool, error) {
	sessions, err := s.Scan()
	if err != nil {
		return Session{}, false, err
	}
	for _, session := range sessions {
		if session.SessionID == sessionID {
			return session, true, nil
		}
	}
	return Session{}, false, nil
}
