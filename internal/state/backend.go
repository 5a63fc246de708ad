package state

import (
	"context"
	"fmt"
	"strconv"
)

// Backend defines the interface for state storage backends.
type Backend interface {
	// Read loads the state. A missing document yields an empty state.
	Read(ctx context.Context) (*State, error)

	// Write saves the state, bumping its serial.
	Write(ctx context.Context, state *State) error

	// Lock acquires an exclusive lock on the state.
	Lock(ctx context.Context) error

	// Unlock releases the lock on the state.
	Unlock(ctx context.Context) error

	// Location describes where the state lives, for messages.
	Location() string
}

// BackendConfig holds configuration for a state backend.
type BackendConfig struct {
	Type   string            `json:"type"` // "s3", "local"
	Config map[string]string `json:"config"`
}

// Config keys understood by the backends.
const (
	ConfigBucket          = "bucket"
	ConfigKey             = "key"
	ConfigRegion          = "region"
	ConfigLockTable       = "dynamodb_table"
	ConfigEncrypt         = "encrypt"
	ConfigProfile         = "profile"
	ConfigPath            = "path"
	ConfigMasterAccountID = "master_account_id"
)

// NewBackend creates a state backend from configuration.
func NewBackend(ctx context.Context, cfg *BackendConfig) (Backend, error) {
	if cfg == nil {
		return nil, fmt.Errorf("backend configuration is nil")
	}

	cipher, err := CipherFromEnv()
	if err != nil {
		return nil, err
	}

	switch cfg.Type {
	case "s3", "":
		return newS3Backend(ctx, cfg.Config, cipher)
	case "local":
		return newLocalBackend(cfg.Config, cipher)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}

func configBool(config map[string]string, key string) bool {
	v, err := strconv.ParseBool(config[key])
	return err == nil && v
}

// AdoptMasterAccount fills in the master account id of states that were
// created or written without one. A state that already has one keeps it.
func (s *State) AdoptMasterAccount(masterAccountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.masterAccountID == "" {
		s.masterAccountID = masterAccountID
	}
}
