package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Session is the part of the auth state that survives a restart.
type Session struct {
	Token    string `json:"token"`
	Username string `json:"username"`
}

// SessionPersistence stores the session between runs. Load returns
// (nil, nil) when nothing is stored.
type SessionPersistence interface {
	Save(Session) error
	Load() (*Session, error)
	Delete() error
}

// FilePersistence keeps the session as a JSON file readable only by the owner.
type FilePersistence struct {
	Path string
}

func NewFilePersistence(path string) *FilePersistence {
	return &FilePersistence{Path: path}
}

func (p *FilePersistence) Save(s Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.Path), 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	tmp := p.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return os.Rename(tmp, p.Path)
}

func (p *FilePersistence) Load() (*Session, error) {
	data, err := os.ReadFile(p.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", p.Path, err)
	}
	if s.Token == "" {
		return nil, nil
	}
	return &s, nil
}

func (p *FilePersistence) Delete() error {
	err := os.Remove(p.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// MemoryPersistence keeps the session in memory. Used by tests and by
// clients that must not touch the disk.
type MemoryPersistence struct {
	mu      sync.Mutex
	session *Session
}

func (p *MemoryPersistence) Save(s Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.session = &s
	return nil
}

func (p *MemoryPersistence) Load() (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return nil, nil
	}
	s := *p.session
	return &s, nil
}

func (p *MemoryPersistence) Delete() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.session = nil
	return nil
}
