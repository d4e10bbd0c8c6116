package persist

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	FilePermissions os.FileMode = 0600
	DirPermissions  os.FileMode = 0700

	snapshotExtension = ".snap"
)

// FileSystemStore implements Store on the local filesystem with atomic
// writes and optimistic concurrency control for the manifest.
//
// Directory layout:
//
//	basePath/
//	├── store.json        # store bookkeeping record
//	├── manifest.json     # snapshot manifest (versioned)
//	├── snapshots/
//	│   ├── nightly.snap
//	│   └── release-1.snap
//	└── temp/             # staging area for atomic writes
type FileSystemStore struct {
	basePath     string
	snapshotsDir string // basePath/snapshots/
	tempDir      string // basePath/temp/
	configFile   string // basePath/store.json
	manifestFile string // basePath/manifest.json
}

// NewFileSystemStore initializes and returns a new instance of FileSystemStore
func NewFileSystemStore(basePath string) (*FileSystemStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base path cannot be empty")
	}

	fs := &FileSystemStore{
		basePath:     basePath,
		snapshotsDir: filepath.Join(basePath, "snapshots"),
		tempDir:      filepath.Join(basePath, "temp"),
		configFile:   filepath.Join(basePath, "store.json"),
		manifestFile: filepath.Join(basePath, "manifest.json"),
	}

	// Create necessary directories
	dirs := []string{
		fs.basePath,
		fs.snapshotsDir,
		fs.tempDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, DirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := fs.initializeStoreConfig(); err != nil {
		return nil, fmt.Errorf("failed to initialize store config: %w", err)
	}

	return fs, nil
}

func (fs *FileSystemStore) initializeStoreConfig() error {
	if _, err := os.Stat(fs.configFile); os.IsNotExist(err) {
		config := StoreConfig{
			Version:    "1.0.0",
			CreatedAt:  time.Now(),
			LastAccess: time.Now(),
			Structure:  "v1",
		}

		data, err := json.MarshalIndent(config, "", "  ")
		if err != nil {
			return err
		}

		return writeSecureFile(fs.configFile, data, FilePermissions)
	}
	return nil
}

// Snapshot operations

func (fs *FileSystemStore) SaveSnapshot(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateSnapshotName(name); err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("snapshot data cannot be empty")
	}

	return writeSecureFile(fs.snapshotPath(name), data, FilePermissions)
}

func (fs *FileSystemStore) LoadSnapshot(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateSnapshotName(name); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(fs.snapshotPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("snapshot %q: %w", name, ErrSnapshotNotFound)
		}
		return nil, fmt.Errorf("failed to load snapshot %q: %w", name, err)
	}
	return data, nil
}

func (fs *FileSystemStore) SnapshotExists(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := validateSnapshotName(name); err != nil {
		return false, err
	}
	return fileExists(fs.snapshotPath(name))
}

func (fs *FileSystemStore) ListSnapshots(ctx context.Context) ([]SnapshotInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(fs.snapshotsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []SnapshotInfo{}, nil
		}
		return nil, fmt.Errorf("failed to read snapshots directory: %w", err)
	}

	var snapshots []SnapshotInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), snapshotExtension) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		snapshots = append(snapshots, SnapshotInfo{
			Name:      strings.TrimSuffix(entry.Name(), snapshotExtension),
			Size:      info.Size(),
			CreatedAt: info.ModTime(),
		})
	}

	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].Name < snapshots[j].Name })
	return snapshots, nil
}

func (fs *FileSystemStore) DeleteSnapshot(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateSnapshotName(name); err != nil {
		return err
	}

	path := fs.snapshotPath(name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("snapshot %q: %w", name, ErrSnapshotNotFound)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to delete snapshot %q: %w", name, err)
	}
	return nil
}

// Manifest operations

// SaveManifest with optimistic concurrency control
func (fs *FileSystemStore) SaveManifest(ctx context.Context, data []byte, expectedVersion string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", fmt.Errorf("manifest cannot be empty")
	}

	// Validate expected version if provided
	if expectedVersion != "" {
		currentVersion, err := fs.getFileVersion(fs.manifestFile)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if currentVersion != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       "SaveManifest",
			}
		}
	}

	if err := writeSecureFile(fs.manifestFile, data, FilePermissions); err != nil {
		return "", err
	}

	// Calculate and return new version based on what was actually written
	return calculateFileVersion(data), nil
}

// LoadManifest returns the versioned manifest
func (fs *FileSystemStore) LoadManifest(ctx context.Context) (*VersionedData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fileInfo, err := os.Stat(fs.manifestFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrManifestNotFound
		}
		return nil, fmt.Errorf("failed to stat manifest: %w", err)
	}

	data, err := os.ReadFile(fs.manifestFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest: %w", err)
	}

	return &VersionedData{
		Data:      data,
		Version:   calculateFileVersion(data),
		Timestamp: fileInfo.ModTime(),
	}, nil
}

func (fs *FileSystemStore) ManifestExists(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return fileExists(fs.manifestFile)
}

// Health and utilities

func (fs *FileSystemStore) Ping() error {
	_, err := os.Stat(fs.basePath)
	return err
}

func (fs *FileSystemStore) Close() error {
	if configData, err := os.ReadFile(fs.configFile); err == nil {
		var config StoreConfig
		if err := json.Unmarshal(configData, &config); err == nil {
			config.LastAccess = time.Now()
			if updatedData, err := json.MarshalIndent(config, "", "  "); err == nil {
				_ = writeSecureFile(fs.configFile, updatedData, FilePermissions)
			}
		}
	}
	return nil
}

func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

func (fs *FileSystemStore) snapshotPath(name string) string {
	return filepath.Join(fs.snapshotsDir, name+snapshotExtension)
}

// Helper methods for versioning support
func (fs *FileSystemStore) getFileVersion(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil // File doesn't exist, version is empty
		}
		return "", err
	}
	return calculateFileVersion(data), nil
}

func calculateFileVersion(data []byte) string {
	// Use MD5 hash of file contents as version identifier
	hash := md5.Sum(data)
	return hex.EncodeToString(hash[:])
}

func writeSecureFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
