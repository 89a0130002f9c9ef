package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Session is the identity passed to every per-user call.
type Session struct {
	Username  string
	StartedAt time.Time
}

// IdentityProvider supplies the current username, or ErrNotLoggedIn.
type IdentityProvider interface {
	Username() (string, error)
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// NewSession resolves the current identity.
func NewSession(ids IdentityProvider, clock Clock) (Session, error) {
	name, err := ids.Username()
	if err != nil {
		return Session{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Session{}, ErrNotLoggedIn
	}
	return Session{Username: name, StartedAt: clock.Now()}, nil
}

// StaticIdentity is a fixed username.
type StaticIdentity string

func (s StaticIdentity) Username() (string, error) {
	if s == "" {
		return "", ErrNotLoggedIn
	}
	return string(s), nil
}

// FileIdentity keeps the logged-in username in a small JSON file.
type FileIdentity struct {
	Path  string
	Clock Clock
}

type identityFile struct {
	Username   string    `json:"username"`
	LoggedInAt time.Time `json:"logged_in_at"`
}

// DefaultIdentityPath is breedctl/session.json under the user config dir.
func DefaultIdentityPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "breedctl", "session.json"), nil
}

func (f *FileIdentity) Username() (string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNotLoggedIn
		}
		return "", err
	}
	var id identityFile
	if err := json.Unmarshal(data, &id); err != nil {
		return "", fmt.Errorf("read session file: %w", err)
	}
	if id.Username == "" {
		return "", ErrNotLoggedIn
	}
	return id.Username, nil
}

func (f *FileIdentity) Save(username string) error {
	clock := f.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	data, err := json.MarshalIndent(identityFile{Username: username, LoggedInAt: clock.Now()}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(f.Path, data, 0o600)
}

func (f *FileIdentity) Clear() error {
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
