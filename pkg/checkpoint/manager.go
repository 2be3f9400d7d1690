package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// MetadataVersion is the current checkpoint metadata format version.
const MetadataVersion = 1

// Sentinel errors for checkpoint validation.
var (
	ErrVersionMismatch = errors.New("checkpoint version mismatch")
	ErrSourceMismatch  = errors.New("checkpoint source mismatch")
	ErrScopeMismatch   = errors.New("checkpoint scope mismatch")
)

const (
	dirPerm       = 0o750
	filePerm      = 0o600
	metadataName  = "checkpoint.json"
	hashPrefixLen = 8
)

// DefaultDir returns the default checkpoint directory (~/.depotfetch/checkpoints).
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	return filepath.Join(home, ".depotfetch", "checkpoints")
}

// Key computes a short hash identifying one fetch: its source, depot scope
// and output directory.
func Key(source, depotPath, outDir string) string {
	h := sha256.Sum256([]byte(strings.Join([]string{source, depotPath, outDir}, "\x00")))

	return hex.EncodeToString(h[:hashPrefixLen])
}

// Manager reads and writes the checkpoint of one fetch.
type Manager struct {
	BaseDir string
	Key     string
}

// NewManager creates a new checkpoint manager.
func NewManager(baseDir, key string) *Manager {
	return &Manager{BaseDir: baseDir, Key: key}
}

// CheckpointDir returns the directory holding this fetch's checkpoint.
func (m *Manager) CheckpointDir() string {
	return filepath.Join(m.BaseDir, m.Key)
}

// MetadataPath returns the path to the metadata file.
func (m *Manager) MetadataPath() string {
	return filepath.Join(m.CheckpointDir(), metadataName)
}

// Exists returns true if a checkpoint has been written.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.MetadataPath())

	return err == nil
}

// Clear removes the checkpoint.
func (m *Manager) Clear() error {
	err := os.RemoveAll(m.CheckpointDir())
	if err != nil {
		return fmt.Errorf("remove checkpoint dir: %w", err)
	}

	return nil
}

// Save writes meta, replacing any previous checkpoint atomically.
func (m *Manager) Save(meta Metadata) error {
	cpDir := m.CheckpointDir()

	err := os.MkdirAll(cpDir, dirPerm)
	if err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	meta.Version = MetadataVersion
	meta.UpdatedAt = time.Now().UTC().Format(time.RFC3339)

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tmp, err := os.CreateTemp(cpDir, metadataName+".*")
	if err != nil {
		return fmt.Errorf("create metadata: %w", err)
	}

	tmpName := tmp.Name()

	_, err = tmp.Write(data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}

	if err == nil {
		err = os.Chmod(tmpName, filePerm)
	}

	if err == nil {
		err = os.Rename(tmpName, m.MetadataPath())
	}

	if err != nil {
		_ = os.Remove(tmpName)

		return fmt.Errorf("write metadata: %w", err)
	}

	return nil
}

// Load reads the checkpoint metadata.
func (m *Manager) Load() (*Metadata, error) {
	data, err := os.ReadFile(m.MetadataPath())
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}

	var meta Metadata

	unmarshalErr := json.Unmarshal(data, &meta)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", unmarshalErr)
	}

	return &meta, nil
}

// Validate checks that meta was written by a fetch of the same source and scope.
func Validate(meta *Metadata, source, depotPath string) error {
	if meta.Version != MetadataVersion {
		return fmt.Errorf("%w: checkpoint has %d, want %d", ErrVersionMismatch, meta.Version, MetadataVersion)
	}

	if meta.Source != source {
		return fmt.Errorf("%w: checkpoint has %q, got %q", ErrSourceMismatch, meta.Source, source)
	}

	if meta.DepotPath != depotPath {
		return fmt.Errorf("%w: checkpoint has %q, got %q", ErrScopeMismatch, meta.DepotPath, depotPath)
	}

	return nil
}
