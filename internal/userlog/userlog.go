// Package userlog keeps a bounded append-only log of recent memories per
// (collection, user) pair, stored as one JSON file per user.
package userlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/memento-project/memento/internal/models"
	"github.com/memento-project/memento/pkg/pathsafe"
)

// Log is the per-user flat-file store. Files live under
// <root>/<sanitized_coll>/<sanitized_user>.json and hold {"mems": [...]}.
// Files are opened per operation; no handles are held between calls.
type Log struct {
	mu      sync.Mutex
	root    string
	sizeCap int // negative = unbounded
	logger  *slog.Logger
}

type userFile struct {
	Mems []models.Memory `json:"mems"`
}

// New creates the log rooted at root, creating the directory if needed.
// sizeCap bounds the number of entries retained per user.
func New(root string, sizeCap int, logger *slog.Logger) (*Log, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating user log root: %w", err)
	}
	return &Log{root: root, sizeCap: sizeCap, logger: logger}, nil
}

func (l *Log) collDir(coll string) string {
	return filepath.Join(l.root, pathsafe.Sanitize(coll))
}

func (l *Log) userPath(coll, user string) string {
	return filepath.Join(l.collDir(coll), pathsafe.Sanitize(user)+".json")
}

func (l *Log) readUser(coll, user string) (*userFile, error) {
	data, err := os.ReadFile(l.userPath(coll, user))
	if os.IsNotExist(err) {
		return &userFile{Mems: []models.Memory{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading user log: %w", err)
	}
	var uf userFile
	if err := json.Unmarshal(data, &uf); err != nil {
		return nil, fmt.Errorf("parsing user log: %w", err)
	}
	if uf.Mems == nil {
		uf.Mems = []models.Memory{}
	}
	return &uf, nil
}

func (l *Log) writeUser(coll, user string, uf *userFile) error {
	if err := os.MkdirAll(l.collDir(coll), 0o755); err != nil {
		return fmt.Errorf("creating collection dir: %w", err)
	}
	data, err := json.Marshal(uf)
	if err != nil {
		return fmt.Errorf("marshalling user log: %w", err)
	}
	path := l.userPath(coll, user)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing user log: %w", err)
	}
	return os.Rename(tmp, path)
}

// Store appends mem to the user's log, trimming the oldest entries beyond
// the per-user cap.
func (l *Log) Store(coll, user string, mem models.Memory) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	uf, err := l.readUser(coll, user)
	if err != nil {
		return err
	}
	uf.Mems = append(uf.Mems, mem)
	if l.sizeCap >= 0 && len(uf.Mems) > l.sizeCap {
		uf.Mems = uf.Mems[len(uf.Mems)-l.sizeCap:]
	}
	return l.writeUser(coll, user, uf)
}

// Query returns up to n of the user's most recent memories, oldest first.
// A missing user or collection yields an empty result.
func (l *Log) Query(coll, user string, n int) ([]models.Memory, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	uf, err := l.readUser(coll, user)
	if err != nil {
		return nil, err
	}
	mems := uf.Mems
	if n >= 0 && len(mems) > n {
		mems = mems[len(mems)-n:]
	}
	return mems, nil
}

// ClearUser wipes a single user's log for the collection.
func (l *Log) ClearUser(coll, user string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := os.Stat(l.collDir(coll)); os.IsNotExist(err) {
		return nil
	}
	return l.writeUser(coll, user, &userFile{Mems: []models.Memory{}})
}

// ClearAllUsers wipes every user's log for the collection.
func (l *Log) ClearAllUsers(coll string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	dir := l.collDir(coll)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading collection dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		user := strings.TrimSuffix(e.Name(), ".json")
		if err := l.writeUser(coll, user, &userFile{Mems: []models.Memory{}}); err != nil {
			return err
		}
	}
	return nil
}

// CollectionNames enumerates collections that have at least one user log.
func (l *Log) CollectionNames() ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := os.ReadDir(l.root)
	if err != nil {
		return nil, fmt.Errorf("reading user log root: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Users enumerates the users logged under a collection. Names are the
// sanitized forms used on disk.
func (l *Log) Users(coll string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := os.ReadDir(l.collDir(coll))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading collection dir: %w", err)
	}
	var users []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			users = append(users, strings.TrimSuffix(e.Name(), ".json"))
		}
	}
	return users, nil
}
