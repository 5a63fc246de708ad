package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// localBackend keeps the state document in a file, for single-operator use
// and for working without an S3 bucket.
type localBackend struct {
	path            string
	masterAccountID string
	cipher          *Cipher
	lock            *flock.Flock
}

func newLocalBackend(config map[string]string, cipher *Cipher) (Backend, error) {
	path := config[ConfigPath]
	if path == "" {
		return nil, fmt.Errorf("local backend requires '%s' configuration", ConfigPath)
	}
	return &localBackend{
		path:            path,
		masterAccountID: config[ConfigMasterAccountID],
		cipher:          cipher,
		lock:            flock.New(path + ".lock"),
	}, nil
}

func (b *localBackend) Location() string {
	return b.path
}

// Read loads the state from the configured path. Encrypted files are
// transparently decrypted.
func (b *localBackend) Read(_ context.Context) (*State, error) {
	raw, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return NewEmpty(b.masterAccountID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file %s: %w", b.path, err)
	}

	content, err := b.cipher.Open(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt state: %w", err)
	}

	st, err := Parse(content)
	if err != nil {
		return nil, fmt.Errorf("failed to load state from %s: %w", b.path, err)
	}
	if err := checkMasterAccount(st, b.masterAccountID); err != nil {
		return nil, err
	}
	return st, nil
}

// Write saves the state to the configured path through a temporary file
// so that a crash never leaves a truncated document behind.
func (b *localBackend) Write(_ context.Context, state *State) error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, commit, err := state.prepareWrite()
	if err != nil {
		return err
	}
	sealed, err := b.cipher.Seal(data)
	if err != nil {
		return fmt.Errorf("failed to encrypt state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(b.path), filepath.Base(b.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(sealed); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state file %s: %w", b.path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write state file %s: %w", b.path, err)
	}
	if err := os.Rename(tmp.Name(), b.path); err != nil {
		return fmt.Errorf("failed to write state file %s: %w", b.path, err)
	}
	commit()
	return nil
}

// Lock acquires an advisory file lock next to the state file.
func (b *localBackend) Lock(_ context.Context) error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}
	locked, err := b.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock %s: %w", b.lock.Path(), err)
	}
	if !locked {
		return fmt.Errorf("state is locked by another process (lock file: %s)", b.lock.Path())
	}
	return nil
}

// Unlock releases the state lock.
func (b *localBackend) Unlock(_ context.Context) error {
	if err := b.lock.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", b.lock.Path(), err)
	}
	return nil
}
