// Package tokenfile reads and writes the cloud credential file. The file
// stores the data-plane bearer token as JSON alongside provisioning
// metadata, owner-readable only. Source adapts a credential file to the
// cloud client's TokenSource, re-reading it when the file changes so
// rotated credentials take effect without a daemon restart.
package tokenfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FilePerms restricts credential files to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the credential directory.
const DirPerms = 0o700

// File is the on-disk format for credential files. Meta carries
// provisioning details (account, issued-at) cached by whatever tooling
// wrote the file; the gateway never interprets it.
type File struct {
	Token string            `json:"token"`
	Meta  map[string]string `json:"meta,omitempty"`
}

// Load reads a credential file from disk. A missing file is an error: the
// configuration named the path explicitly, so absence means the device is
// not provisioned yet.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tokenfile: reading %s: %w", path, err)
	}

	var tf File
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("tokenfile: decoding %s: %w", path, err)
	}

	if tf.Token == "" {
		return nil, fmt.Errorf("tokenfile: %s missing token field", path)
	}

	return &tf, nil
}

// Save writes a credential file to disk atomically (write-to-temp + rename)
// with 0600 permissions. Never logs token values.
func Save(path string, tf *File) error {
	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return fmt.Errorf("tokenfile: encoding: %w", err)
	}

	dir := filepath.Dir(path)
	if mkErr := os.MkdirAll(dir, DirPerms); mkErr != nil {
		return fmt.Errorf("tokenfile: creating directory %s: %w", dir, mkErr)
	}

	// Atomic write: temp file in the same directory, then rename.
	// Same directory guarantees same filesystem for rename(2).
	tmp, err := os.CreateTemp(dir, ".token-*.tmp")
	if err != nil {
		return fmt.Errorf("tokenfile: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	// Clean up temp file on any error path.
	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: writing: %w", err)
	}

	// Flush to stable storage before rename so a power loss between close
	// and rename cannot leave an empty or partial credential file at the
	// final path.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("tokenfile: closing: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("tokenfile: renaming: %w", err)
	}

	success = true

	return nil
}

// Source provides bearer tokens from a credential file. Token re-reads the
// file when its modification time changes, so credential rotation between
// requests is picked up without restarting the daemon.
type Source struct {
	path string

	mu      sync.Mutex
	token   string
	modTime time.Time
}

// NewSource returns a Source reading from path. The file is not touched
// until the first Token call.
func NewSource(path string) *Source {
	return &Source{path: path}
}

// Token returns the current bearer token.
func (s *Source) Token() (string, error) {
	fi, err := os.Stat(s.path)
	if err != nil {
		return "", fmt.Errorf("tokenfile: stat %s: %w", s.path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && fi.ModTime().Equal(s.modTime) {
		return s.token, nil
	}

	tf, err := Load(s.path)
	if err != nil {
		return "", err
	}

	s.token = tf.Token
	s.modTime = fi.ModTime()

	return s.token, nil
}
