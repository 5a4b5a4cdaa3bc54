// Package history keeps a persistent record of completed sessions: what
// was run, where its log went, and how it exited. Recording is a
// convenience layer; every failure mode degrades to "no history", never
// to a failed session.
package history

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const fileVersion = "1.0"

// maxRecords caps the store; oldest records are trimmed first.
const maxRecords = 200

// Record describes one completed session.
type Record struct {
	ID       string   `json:"id"`
	Started  int64    `json:"started"`  // unix milliseconds
	Finished int64    `json:"finished"` // unix milliseconds
	Args     []string `json:"args"`
	LogPath  string   `json:"logPath,omitempty"`
	ExitCode int      `json:"exitCode"`
}

type storeFile struct {
	Version string   `json:"version"`
	Records []Record `json:"records"`
}

// Store is a versioned JSON file of session records. The zero value is
// not usable; construct with NewStore or OpenStore.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore places the history file in the user's home directory, falling
// back to the working directory when the home cannot be resolved.
func NewStore() *Store {
	home, err := os.UserHomeDir()
	if err != nil {
		log.Printf("history: cannot resolve home directory, using working directory: %v", err)
		return &Store{path: ".teepty_history"}
	}
	return &Store{path: filepath.Join(home, ".teepty_history")}
}

// OpenStore uses an explicit file path.
func OpenStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the location of the history file.
func (s *Store) Path() string { return s.path }

// NewRecord builds a Record for a session started at started and finished
// now, with a fresh ID.
func NewRecord(started time.Time, args []string, logPath string, exitCode int) Record {
	return Record{
		ID:       uuid.New().String(),
		Started:  started.UnixMilli(),
		Finished: time.Now().UnixMilli(),
		Args:     args,
		LogPath:  logPath,
		ExitCode: exitCode,
	}
}

// Load returns all records. A missing or empty file is an empty history.
// A corrupted file is moved aside so the next save starts clean, and an
// empty history is returned; corruption is never fatal.
func (s *Store) Load() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() ([]Record, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read history %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var f storeFile
	if err := json.Unmarshal(data, &f); err != nil {
		backup := fmt.Sprintf("%s.corrupted.%d", s.path, time.Now().Unix())
		if renameErr := os.Rename(s.path, backup); renameErr != nil {
			log.Printf("history: failed to move corrupted file aside: %v", renameErr)
		} else {
			log.Printf("history: %s was corrupted, moved to %s", s.path, backup)
		}
		return nil, nil
	}

	// Drop entries that would confuse consumers rather than failing the
	// whole load.
	valid := f.Records[:0]
	for _, r := range f.Records {
		if r.ID == "" || r.Started <= 0 {
			continue
		}
		valid = append(valid, r)
	}
	return valid, nil
}

// Append adds one record, trimming the oldest entries beyond maxRecords.
// The write is temp-file-then-rename so a crash mid-save leaves the
// previous history intact.
func (s *Store) Append(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.loadLocked()
	if err != nil {
		return err
	}
	records = append(records, r)
	if len(records) > maxRecords {
		records = records[len(records)-maxRecords:]
	}
	return s.writeLocked(storeFile{Version: fileVersion, Records: records})
}

func (s *Store) writeLocked(f storeFile) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create history directory %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write history temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename history into place: %w", err)
	}
	return nil
}
