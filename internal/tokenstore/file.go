package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/florianilch/msgraph-device-auth/internal/tokencache"
)

// FileStore provides atomic file-based record storage with secure permissions.
// Writes use temp file + rename for crash safety.
type FileStore struct {
	filePath string
}

// Compile-time check to ensure FileStore implements TokenStore
var _ TokenStore = (*FileStore)(nil)

// NewFileStore creates a FileStore for the given path. No I/O is performed;
// parent directories are created on the first Save.
func NewFileStore(filePath string) (*FileStore, error) {
	if filePath == "" {
		return nil, fmt.Errorf("file path cannot be empty")
	}

	return &FileStore{
		filePath: filePath,
	}, nil
}

// Path returns the location of the state file.
func (f *FileStore) Path() string {
	return f.filePath
}

// Load reads and parses the state file. Returns error if the file doesn't
// exist, is malformed, or has insecure permissions.
func (f *FileStore) Load(ctx context.Context) (tokencache.Record, error) {
	if err := ctx.Err(); err != nil {
		return tokencache.Record{}, err
	}

	rec, err := f.load()
	if err != nil {
		return tokencache.Record{}, &PersistenceError{Op: "load", Location: f.filePath, Err: err}
	}
	return rec, nil
}

func (f *FileStore) load() (tokencache.Record, error) {
	// Check file permissions before reading
	info, err := os.Stat(f.filePath)
	if err != nil {
		return tokencache.Record{}, err
	}
	if runtime.GOOS != "windows" && info.Mode().Perm() != 0600 {
		return tokencache.Record{}, fmt.Errorf("insecure permissions: %04o (expected 0600)", info.Mode().Perm())
	}

	data, err := os.ReadFile(f.filePath)
	if err != nil {
		return tokencache.Record{}, err
	}

	return unmarshalRecord(data)
}

// Save atomically writes the record using temp file + rename, creating the
// parent directory with 0700 permissions if missing. The file ends up 0600.
func (f *FileStore) Save(ctx context.Context, rec tokencache.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := f.save(ctx, rec); err != nil {
		return &PersistenceError{Op: "save", Location: f.filePath, Err: err}
	}
	return nil
}

func (f *FileStore) save(ctx context.Context, rec tokencache.Record) error {
	data, err := marshalRecord(rec)
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.filePath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	// Create secure temp file in same directory for atomic rename
	tempFile, err := os.CreateTemp(dir, "*.tmp")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()
	// Cleanup deferred for all exit paths
	defer func() { _ = os.Remove(tempName) }()
	defer func() { _ = tempFile.Close() }()

	if _, err := tempFile.Write(data); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := tempFile.Close(); err != nil {
		return err
	}

	// Atomic rename to final location
	if err := os.Rename(tempName, f.filePath); err != nil {
		return err
	}

	// Set secure file permissions (0600 = rw-------)
	return os.Chmod(f.filePath, 0600)
}

// DefaultStateDir returns the per-user directory for application state:
// $XDG_STATE_HOME, ~/.local/state on Unix-like systems, or the user config
// directory elsewhere.
func DefaultStateDir() (string, error) {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		if !filepath.IsAbs(dir) {
			return "", errors.New("path in $XDG_STATE_HOME is relative")
		}
		return dir, nil
	}

	switch runtime.GOOS {
	case "windows", "darwin", "ios", "plan9":
		return os.UserConfigDir()
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "state"), nil
}
