// Package transfersession manages per-file resume metadata: a JSON
// progress record plus a ".part" staging file, finalized by an atomic
// rename once the transfer completes.
package transfersession

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/keymesh/keymesh/internal/keymesherr"
	"github.com/keymesh/keymesh/internal/pathutil"
)

// Session tracks resume state for one (peer, share, file) transfer.
type Session struct {
	PeerID      string
	ShareName   string
	FilePath    string
	Mode        string
	SessionsDir string

	recordPath string
	partialPath string
}

// New derives the session and partial-file paths and ensures sessionsDir
// exists.
func New(peerID, shareName, filePath, mode, sessionsDir string) (*Session, error) {
	if err := os.MkdirAll(sessionsDir, 0o755); err != nil {
		return nil, &keymesherr.IoError{Op: "mkdir", Path: sessionsDir, Cause: err}
	}
	sanitized := pathutil.SanitizeComponent(filePath)
	recordName := peerID + "__" + shareName + "__" + sanitized + ".json"
	return &Session{
		PeerID:      peerID,
		ShareName:   shareName,
		FilePath:    filePath,
		Mode:        mode,
		SessionsDir: sessionsDir,
		recordPath:  filepath.Join(sessionsDir, recordName),
		partialPath: filePath + ".part",
	}, nil
}

// PartialPath is the ".part" staging file this session writes to.
func (s *Session) PartialPath() string { return s.partialPath }

// Progress is the persisted resume position.
type Progress struct {
	BytesDone int64
	ChunkID   int64
}

type progressRecord struct {
	Peer      string  `json:"peer"`
	Share     string  `json:"share"`
	File      string  `json:"file"`
	Mode      string  `json:"mode"`
	ChunkID   int64   `json:"chunk_id"`
	BytesDone int64   `json:"bytes_done"`
	Updated   float64 `json:"updated"`
}

// LoadProgress reads the persisted resume position, or the zero value if
// no record exists yet.
func (s *Session) LoadProgress() (Progress, error) {
	data, err := os.ReadFile(s.recordPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Progress{}, nil
		}
		return Progress{}, &keymesherr.IoError{Op: "read", Path: s.recordPath, Cause: err}
	}
	var rec progressRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return Progress{}, &keymesherr.IoError{Op: "parse", Path: s.recordPath, Cause: err}
	}
	return Progress{BytesDone: rec.BytesDone, ChunkID: rec.ChunkID}, nil
}

// SaveProgress persists the current chunk id and byte count.
func (s *Session) SaveProgress(chunkID, bytesDone int64) error {
	rec := progressRecord{
		Peer:      s.PeerID,
		Share:     s.ShareName,
		File:      s.FilePath,
		Mode:      s.Mode,
		ChunkID:   chunkID,
		BytesDone: bytesDone,
		Updated:   float64(time.Now().UnixNano()) / 1e9,
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return &keymesherr.IoError{Op: "encode", Path: s.recordPath, Cause: err}
	}
	if err := os.MkdirAll(filepath.Dir(s.recordPath), 0o755); err != nil {
		return &keymesherr.IoError{Op: "mkdir", Path: filepath.Dir(s.recordPath), Cause: err}
	}
	if err := os.WriteFile(s.recordPath, data, 0o644); err != nil {
		return &keymesherr.IoError{Op: "write", Path: s.recordPath, Cause: err}
	}
	return nil
}

// Finalize deletes the progress record and atomically renames the ".part"
// file over the final path. If the ".part" file is absent, only the
// progress record is removed.
func (s *Session) Finalize() error {
	if err := os.Remove(s.recordPath); err != nil && !os.IsNotExist(err) {
		return &keymesherr.IoError{Op: "remove", Path: s.recordPath, Cause: err}
	}
	if _, err := os.Stat(s.partialPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &keymesherr.IoError{Op: "stat", Path: s.partialPath, Cause: err}
	}
	if err := os.Rename(s.partialPath, s.FilePath); err != nil {
		return &keymesherr.IoError{Op: "rename", Path: s.partialPath, Cause: err}
	}
	return nil
}
