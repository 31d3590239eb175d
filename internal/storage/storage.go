package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// ErrNotFound is returned when a stored object does not exist
var ErrNotFound = errors.New("object not found")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	tmpSuffix  = ".tmp"
	metaSuffix = ".meta"
)

// Object describes a stored object as returned by List
type Object struct {
	Name     string // base name within the listed directory
	Size     int64
	Updated  time.Time
	Metadata map[string]string
}

// Storage interface for storing and retrieving session snapshots
type Storage interface {
	// Write stores data at path with optional metadata, replacing any object
	// already there
	Write(path string, data []byte, metadata map[string]string) error

	// Read reads data from a file path
	Read(path string) ([]byte, error)

	// ReadSeeker returns a ReadSeeker for the file (useful for http.ServeContent)
	ReadSeeker(path string) (io.ReadSeeker, error)

	// Delete deletes an object and its metadata
	Delete(path string) error

	// Exists checks if a file exists
	Exists(path string) (bool, error)

	// List lists the objects directly below dir. A missing dir is empty.
	List(dir string) ([]Object, error)
}

// URLSigner is implemented by backends that can hand out direct download URLs
type URLSigner interface {
	GetSignedURL(path string, expiration time.Duration) (string, error)
}

// LocalStorage implements Storage using local filesystem
type LocalStorage struct {
	baseDir string
}

// NewLocalStorage creates a new local storage instance
func NewLocalStorage(baseDir string) (*LocalStorage, error) {
	// Create base directory if it doesn't exist
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &LocalStorage{
		baseDir: baseDir,
	}, nil
}

// resolve maps a storage path below the base directory
func (s *LocalStorage) resolve(path string) (string, error) {
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("invalid storage path %q", path)
	}
	return filepath.Join(s.baseDir, filepath.FromSlash(path)), nil
}

// Write writes data to a file. Metadata goes to a sidecar file next to it.
func (s *LocalStorage) Write(path string, data []byte, metadata map[string]string) error {
	fullPath, err := s.resolve(path)
	if err != nil {
		return err
	}

	// Create parent directories
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	if len(metadata) > 0 {
		meta, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		if err := writeAtomic(fullPath+metaSuffix, meta); err != nil {
			return err
		}
	} else if err := os.Remove(fullPath + metaSuffix); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale metadata: %w", err)
	}

	return writeAtomic(fullPath, data)
}

// writeAtomic writes then renames so readers never see a partial file
func writeAtomic(fullPath string, data []byte) error {
	tmp := fullPath + tmpSuffix
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp, fullPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// Read reads data from a file
func (s *LocalStorage) Read(path string) ([]byte, error) {
	fullPath, err := s.resolve(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, wrapNotExist(err, "failed to read file")
	}

	return data, nil
}

// ReadSeeker returns a ReadSeeker for the file. The caller closes it if it
// implements io.Closer.
func (s *LocalStorage) ReadSeeker(path string) (io.ReadSeeker, error) {
	fullPath, err := s.resolve(path)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(fullPath)
	if err != nil {
		return nil, wrapNotExist(err, "failed to open file")
	}

	return file, nil
}

// Delete deletes a file and its metadata sidecar
func (s *LocalStorage) Delete(path string) error {
	fullPath, err := s.resolve(path)
	if err != nil {
		return err
	}

	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	if err := os.Remove(fullPath + metaSuffix); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete metadata: %w", err)
	}

	return nil
}

// Exists checks if a file exists
func (s *LocalStorage) Exists(path string) (bool, error) {
	fullPath, err := s.resolve(path)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check file existence: %w", err)
	}

	return true, nil
}

// List lists files in a directory along with their metadata
func (s *LocalStorage) List(dir string) ([]Object, error) {
	fullPath, err := s.resolve(dir)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list directory: %w", err)
	}

	objects := make([]Object, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasSuffix(name, tmpSuffix) || strings.HasSuffix(name, metaSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// removed since ReadDir
			continue
		}

		obj := Object{Name: name, Size: info.Size(), Updated: info.ModTime()}
		if meta, err := os.ReadFile(filepath.Join(fullPath, name+metaSuffix)); err == nil {
			if err := json.Unmarshal(meta, &obj.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata of %s: %w", name, err)
			}
		}
		objects = append(objects, obj)
	}

	return objects, nil
}

func wrapNotExist(err error, msg string) error {
	if os.IsNotExist(err) {
		return fmt.Errorf("%s: %w", msg, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// ContentType returns the MIME type stored objects are served with
func ContentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
