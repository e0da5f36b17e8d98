// Package state persists daemon state as JSON files under the workspace
// working directory. Every write goes through a temp file and an atomic
// rename so readers never observe a partial document.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/apcdev/apc/internal/common/logger"
	"github.com/apcdev/apc/internal/session"
	"github.com/apcdev/apc/internal/taskgraph"
)

// ErrSessionNotFound is returned when no session directory exists for an id.
var ErrSessionNotFound = errors.New("session not found")

// StorageError wraps a filesystem failure with the operation and path.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

const (
	plansDirName   = "Plans"
	historyDirName = "History"
	logsDirName    = "logs"
	agentLogsName  = "agents"

	sessionFileName     = "session.json"
	tasksFileName       = "tasks.json"
	planFileName        = "plan.md"
	planContextFileName = "plan_context.md"
)

var sessionDirPattern = regexp.MustCompile(`^PS_([0-9]{6})$`)

// Store is the file-backed state store rooted at <workspace>/_AiDevLog.
type Store struct {
	root   string
	logger *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a store rooted at the working directory.
func NewStore(root string, log *logger.Logger) *Store {
	return &Store{
		root:   root,
		logger: log.WithFields(zap.String("component", "state-store")),
		locks:  make(map[string]*sync.Mutex),
	}
}

// Root returns the working directory the store writes under.
func (s *Store) Root() string { return s.root }

// EnsureLayout creates the top-level directory structure.
func (s *Store) EnsureLayout() error {
	for _, dir := range []string{
		s.root,
		filepath.Join(s.root, plansDirName),
		filepath.Join(s.root, historyDirName),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &StorageError{Op: "mkdir", Path: dir, Err: err}
		}
	}
	return nil
}

// SessionDir returns the directory holding a session's files.
func (s *Store) SessionDir(sessionID string) string {
	return filepath.Join(s.root, plansDirName, sessionID)
}

// PlanPath returns the current plan document path.
func (s *Store) PlanPath(sessionID string) string {
	return filepath.Join(s.SessionDir(sessionID), planFileName)
}

// PlanBackupPath returns the path of a versioned plan backup.
func (s *Store) PlanBackupPath(sessionID string, version int) string {
	return filepath.Join(s.SessionDir(sessionID), fmt.Sprintf("plan.v%d.md", version))
}

// PlanContextPath returns the gathered-context document path.
func (s *Store) PlanContextPath(sessionID string) string {
	return filepath.Join(s.SessionDir(sessionID), logsDirName, planContextFileName)
}

// AgentLogPath returns the log file path for one agent run within a
// workflow. seq distinguishes runs of the same agent in one workflow.
func (s *Store) AgentLogPath(sessionID, workflowID string, seq int, agentID string) string {
	name := fmt.Sprintf("%s_%02d_%s.log", workflowID, seq, agentID)
	return filepath.Join(s.SessionDir(sessionID), logsDirName, agentLogsName, name)
}

func (s *Store) sessionPath(sessionID string) string {
	return filepath.Join(s.SessionDir(sessionID), sessionFileName)
}

func (s *Store) tasksPath(sessionID string) string {
	return filepath.Join(s.SessionDir(sessionID), tasksFileName)
}

func (s *Store) historyPath(sessionID string) string {
	return filepath.Join(s.root, historyDirName, sessionID+".json")
}

// pathLock returns the mutex serializing writes to one path.
func (s *Store) pathLock(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[path]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[path] = lock
	}
	return lock
}

// writeJSON marshals v and atomically replaces path.
func (s *Store) writeJSON(path string, v any) error {
	lock := s.pathLock(path)
	lock.Lock()
	defer lock.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &StorageError{Op: "marshal", Path: path, Err: err}
	}
	return s.atomicWrite(path, data)
}

// atomicWrite replaces path via a temp file in the same directory.
func (s *Store) atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &StorageError{Op: "mkdir", Path: dir, Err: err}
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return &StorageError{Op: "create", Path: path, Err: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &StorageError{Op: "write", Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &StorageError{Op: "close", Path: path, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return &StorageError{Op: "rename", Path: path, Err: err}
	}
	return nil
}

func (s *Store) readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &StorageError{Op: "read", Path: path, Err: err}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &StorageError{Op: "unmarshal", Path: path, Err: err}
	}
	return nil
}

// NextSessionID allocates the next PS_NNNNNN id by scanning existing
// session directories.
func (s *Store) NextSessionID() (string, error) {
	plansDir := filepath.Join(s.root, plansDirName)
	entries, err := os.ReadDir(plansDir)
	if err != nil {
		if os.IsNotExist(err) {
			return "PS_000001", nil
		}
		return "", &StorageError{Op: "readdir", Path: plansDir, Err: err}
	}
	max := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		m := sessionDirPattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		if n > max {
			max = n
		}
	}
	return fmt.Sprintf("PS_%06d", max+1), nil
}

// SaveSession persists the session document.
func (s *Store) SaveSession(sess *session.Session) error {
	return s.writeJSON(s.sessionPath(sess.ID), sess)
}

// LoadSession reads one session document.
func (s *Store) LoadSession(sessionID string) (*session.Session, error) {
	path := s.sessionPath(sessionID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	var sess session.Session
	if err := s.readJSON(path, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// LoadAllSessions scans Plans/ and loads every readable session. Directories
// with a missing or corrupt session.json are skipped with a warning so one
// bad session cannot block daemon startup.
func (s *Store) LoadAllSessions() ([]*session.Session, error) {
	plansDir := filepath.Join(s.root, plansDirName)
	entries, err := os.ReadDir(plansDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &StorageError{Op: "readdir", Path: plansDir, Err: err}
	}

	var sessions []*session.Session
	for _, entry := range entries {
		if !entry.IsDir() || !sessionDirPattern.MatchString(entry.Name()) {
			continue
		}
		sess, err := s.LoadSession(entry.Name())
		if err != nil {
			s.logger.Warn("skipping unreadable session",
				zap.String("session_id", entry.Name()), zap.Error(err))
			continue
		}
		sessions = append(sessions, sess)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	return sessions, nil
}

// DeleteSession removes the session directory and its history file.
func (s *Store) DeleteSession(sessionID string) error {
	dir := s.SessionDir(sessionID)
	if err := os.RemoveAll(dir); err != nil {
		return &StorageError{Op: "remove", Path: dir, Err: err}
	}
	history := s.historyPath(sessionID)
	if err := os.Remove(history); err != nil && !os.IsNotExist(err) {
		return &StorageError{Op: "remove", Path: history, Err: err}
	}
	return nil
}

// SaveTasks persists the session's full task set.
func (s *Store) SaveTasks(sessionID string, tasks []*taskgraph.Task) error {
	return s.writeJSON(s.tasksPath(sessionID), tasks)
}

// LoadTasks reads the session's task set. A missing file is an empty set.
func (s *Store) LoadTasks(sessionID string) ([]*taskgraph.Task, error) {
	path := s.tasksPath(sessionID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	var tasks []*taskgraph.Task
	if err := s.readJSON(path, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// WritePlan atomically replaces the session's current plan document.
func (s *Store) WritePlan(sessionID string, content []byte) error {
	path := s.PlanPath(sessionID)
	lock := s.pathLock(path)
	lock.Lock()
	defer lock.Unlock()
	return s.atomicWrite(path, content)
}

// ReadPlan returns the current plan document.
func (s *Store) ReadPlan(sessionID string) ([]byte, error) {
	path := s.PlanPath(sessionID)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &StorageError{Op: "read", Path: path, Err: err}
	}
	return data, nil
}

// BackupPlan copies the current plan to the next plan.vN.md and returns the
// version record. Revisions always back up before overwriting, so every
// superseded plan stays recoverable.
func (s *Store) BackupPlan(sessionID string) (*session.PlanVersion, error) {
	current, err := s.ReadPlan(sessionID)
	if err != nil {
		return nil, err
	}
	version := 1
	for {
		path := s.PlanBackupPath(sessionID, version)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := s.atomicWrite(path, current); err != nil {
				return nil, err
			}
			pv := &session.PlanVersion{Version: version, Path: path, Timestamp: nowUTC()}
			s.logger.Info("plan backed up",
				zap.String("session_id", sessionID), zap.Int("version", version))
			return pv, nil
		}
		version++
	}
}

// WritePlanContext stores the gathered-context document.
func (s *Store) WritePlanContext(sessionID string, content []byte) error {
	path := s.PlanContextPath(sessionID)
	lock := s.pathLock(path)
	lock.Lock()
	defer lock.Unlock()
	return s.atomicWrite(path, content)
}
