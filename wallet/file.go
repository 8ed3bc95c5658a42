package wallet

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	identityFileName  = "identity.json"
	walletDirMode     = 0700 // only owner can read/write/execute
	identityFileMode  = 0600 // only owner can read/write
	healthProbeSuffix = ".health_check"
)

// FileStore keeps one encrypted JSON document per identity under
// basePath/<id>/identity.json.
type FileStore struct {
	basePath string
	password string
}

// NewFileStore creates a file-backed wallet rooted at basePath.
func NewFileStore(basePath, masterPassword string) (*FileStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("basePath is required")
	}

	if err := os.MkdirAll(basePath, walletDirMode); err != nil {
		return nil, fmt.Errorf("failed to create wallet directory: %w", err)
	}

	return &FileStore{basePath: basePath, password: masterPassword}, nil
}

// Put writes the encrypted identity, replacing any previous entry.
func (f *FileStore) Put(id *Identity) error {
	if id == nil || id.ID == "" {
		return fmt.Errorf("identity id is required")
	}

	dir := filepath.Join(f.basePath, id.ID)
	if err := os.MkdirAll(dir, walletDirMode); err != nil {
		return fmt.Errorf("failed to create identity directory: %w", err)
	}

	data, err := seal(id, f.password)
	if err != nil {
		return fmt.Errorf("failed to encrypt identity: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, identityFileName), data, identityFileMode); err != nil {
		return fmt.Errorf("failed to write identity file: %w", err)
	}

	return nil
}

// Get loads and decrypts an identity, returning ErrNotFound when absent.
func (f *FileStore) Get(id string) (*Identity, error) {
	data, err := os.ReadFile(filepath.Join(f.basePath, id, identityFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}

	return open(data, f.password)
}

// Remove deletes the identity and its directory.
func (f *FileStore) Remove(id string) error {
	dir := filepath.Join(f.basePath, id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return ErrNotFound
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove identity directory: %w", err)
	}

	return nil
}

// List returns the ids of all stored identities.
func (f *FileStore) List() ([]string, error) {
	dirEntries, err := os.ReadDir(f.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read wallet directory: %w", err)
	}

	var ids []string
	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(f.basePath, de.Name(), identityFileName)); err == nil {
			ids = append(ids, de.Name())
		}
	}
	return ids, nil
}

// Close is a no-op for the file backend.
func (f *FileStore) Close() error {
	return nil
}

// HealthCheck verifies the wallet directory exists and is writable.
func (f *FileStore) HealthCheck() error {
	if _, err := os.Stat(f.basePath); os.IsNotExist(err) {
		return fmt.Errorf("wallet directory does not exist: %s", f.basePath)
	}

	probe := filepath.Join(f.basePath, healthProbeSuffix)
	if err := os.WriteFile(probe, []byte("ok"), identityFileMode); err != nil {
		return fmt.Errorf("wallet directory is not writable: %w", err)
	}
	os.Remove(probe)

	return nil
}
