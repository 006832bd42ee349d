package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// Document keys
const (
	KeySavedServers = "saved_servers"
	KeyMapChanges   = "map_changes"
)

var ErrInvalidKey = errors.New("invalid document key")

var keyPattern = regexp.MustCompile(`^[a-zA-Z0-9_\-]+$`)

// Storage persists whole documents under a key. Load returns (nil, nil)
// when nothing has been stored under the key yet.
type Storage interface {
	Save(key string, data []byte) error
	Load(key string) ([]byte, error)
	Close() error
}

// Options carries backend specific settings
type Options struct {
	Path     string
	Database string
}

func NewStorage(storageType string, opts Options) (Storage, error) {
	switch storageType {
	case "file":
		return NewFileStorage(opts.Path)
	case "sqlite":
		return NewSQLiteStorage(opts.Path)
	case "redis":
		return NewRedisStorage(opts.Path)
	case "mongodb":
		return NewMongoStorage(opts.Path, opts.Database)
	case "memory":
		return NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unknown storage type: %s", storageType)
	}
}

// SaveJSON marshals v and stores it under key
func SaveJSON(s Storage, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	return s.Save(key, data)
}

// LoadJSON reads key into v. found is false when the key was never written.
func LoadJSON(s Storage, key string, v interface{}) (bool, error) {
	data, err := s.Load(key)
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal JSON: %w", err)
	}
	return true, nil
}

func validateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// FileStorage stores each document as <dir>/<key>.json
type FileStorage struct {
	dir string
}

func NewFileStorage(dir string) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	return &FileStorage{dir: dir}, nil
}

func (f *FileStorage) path(key string) string {
	return filepath.Join(f.dir, key+".json")
}

func (f *FileStorage) Save(key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}

	// Atomic write: write to temp file, then rename
	target := f.path(key)
	tempPath := target + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := os.Rename(tempPath, target); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("atomic rename: %w", err)
	}

	return nil
}

func (f *FileStorage) Load(key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read file: %w", err)
	}

	return data, nil
}

func (f *FileStorage) Close() error {
	return nil
}
