package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ryu111/stagehand/internal/model"
)

// Repository is the persistence boundary for session state. Components take
// it by interface so the backing store can be swapped without touching
// scheduling logic.
type Repository interface {
	Read(sessionID string) (*model.SessionState, error)
	Write(sessionID string, st *model.SessionState) error
	Delete(sessionID string) error
}

// FileStore keeps one JSON document per session under <root>/sessions/.
type FileStore struct {
	root string
}

func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

func (fs *FileStore) Root() string {
	return fs.root
}

func (fs *FileStore) Path(sessionID string) string {
	return filepath.Join(fs.root, "sessions", sessionID+".json")
}

// Read loads and, if needed, migrates the session document. A missing,
// unparseable, or unsupported-schema file is "no prior state": Read returns
// (nil, nil), never an error the caller must branch on. Corrupt files are
// quarantined so a later Write starts clean. A migrated document is persisted
// back so the transformation is not repeated on every read; an already
// current document is not re-written.
func (fs *FileStore) Read(sessionID string) (*model.SessionState, error) {
	path := fs.Path(sessionID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state %s: %w", sessionID, err)
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		_ = Quarantine(fs.root, path)
		return nil, nil
	}

	migrated, changed := EnsureCurrent(doc)
	if migrated == nil {
		_ = Quarantine(fs.root, path)
		return nil, nil
	}

	st, err := decodeState(migrated)
	if err != nil {
		_ = Quarantine(fs.root, path)
		return nil, nil
	}
	if st.SessionID == "" {
		st.SessionID = sessionID
	}

	if changed {
		if err := fs.Write(sessionID, st); err != nil {
			return nil, fmt.Errorf("persist migrated state %s: %w", sessionID, err)
		}
	}
	return st, nil
}

func (fs *FileStore) Write(sessionID string, st *model.SessionState) error {
	return AtomicWriteJSON(fs.Path(sessionID), st)
}

func (fs *FileStore) Delete(sessionID string) error {
	if err := os.Remove(fs.Path(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete state %s: %w", sessionID, err)
	}
	return nil
}

// SessionIDs lists every session with a state document on disk.
func (fs *FileStore) SessionIDs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(fs.root, "sessions"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

func decodeState(doc map[string]any) (*model.SessionState, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var st model.SessionState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	if st.Dag == nil {
		st.Dag = model.Dag{}
	}
	if st.Stages == nil {
		st.Stages = map[string]*model.StageState{}
	}
	if st.Retries == nil {
		st.Retries = map[string]int{}
	}
	if st.RetryHistory == nil {
		st.RetryHistory = map[string][]model.RetryRecord{}
	}
	if st.Crashes == nil {
		st.Crashes = map[string]int{}
	}
	return &st, nil
}
