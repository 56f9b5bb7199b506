package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cmsuite/cms-agent/internal/protocol"
)

// Identity is the per-host runtime identity record. The token is stored
// encrypted; only the vault can recover the plaintext, and only on the
// host that produced the ciphertext.
type Identity struct {
	AgentID        string            `json:"agent_id"`
	Location       protocol.Location `json:"location"`
	EncryptedToken []byte            `json:"encrypted_token"`
}

// IdentityStore reads and writes the identity file. Single writer: the
// orchestrator on token refresh, the configure wizard at setup time.
type IdentityStore struct {
	path string
}

// NewIdentityStore returns a store backed by the given file path.
func NewIdentityStore(path string) *IdentityStore {
	return &IdentityStore{path: path}
}

// Load returns the persisted identity, or (nil, nil) when no identity
// has been configured yet.
func (s *IdentityStore) Load() (*Identity, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read identity: %w", err)
	}

	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("unmarshal identity: %w", err)
	}
	if id.AgentID == "" {
		return nil, fmt.Errorf("identity file has empty agent_id")
	}
	return &id, nil
}

// Save writes the identity atomically: the record goes to a temp file in
// the same directory, fsynced, then renamed over the target. A crash
// mid-write leaves either the old or the new file intact.
func (s *IdentityStore) Save(id *Identity) error {
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".identity-*")
	if err != nil {
		return fmt.Errorf("create temp identity: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp identity: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp identity: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp identity: %w", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		return fmt.Errorf("chmod temp identity: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("rename identity: %w", err)
	}
	return nil
}
