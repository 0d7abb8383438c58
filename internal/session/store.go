// Package session persists conversation sessions as JSON documents, one file
// per session ID, with atomic writes.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/codeloom-ai/codeloom/internal/config"
	"github.com/codeloom-ai/codeloom/pkg/models"
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Document is the on-disk session shape.
type Document struct {
	Messages []*models.Message `json:"messages"`
	Todos    []models.Todo     `json:"todos"`
}

// Store reads and writes session documents under a base directory. An empty
// directory makes the store a no-op (in-memory sessions only).
type Store struct {
	dir string
}

// NewStore creates a session store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path(sessionID string) (string, error) {
	if !sessionIDPattern.MatchString(sessionID) {
		return "", fmt.Errorf("session: invalid session id %q", sessionID)
	}
	return filepath.Join(s.dir, sessionID+".json"), nil
}

// Load returns the persisted session, or ok=false when none exists.
func (s *Store) Load(sessionID string) (*Document, bool, error) {
	if s.dir == "" {
		return nil, false, nil
	}
	path, err := s.path(sessionID)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("session: read %s: %w", sessionID, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, false, fmt.Errorf("session: parse %s: %w", sessionID, err)
	}
	return &doc, true, nil
}

// Save persists the session atomically.
func (s *Store) Save(sessionID string, doc *Document) error {
	if s.dir == "" {
		return nil
	}
	path, err := s.path(sessionID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("session: marshal %s: %w", sessionID, err)
	}
	return config.AtomicWrite(path, data)
}
