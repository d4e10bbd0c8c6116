package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Bucket names
var (
	configBucket       = []byte("config")        // store bookkeeping record - unencrypted
	manifestBucket     = []byte("manifest")      // snapshot manifest (versioned)
	snapshotsBucket    = []byte("snapshots")     // encrypted snapshot containers
	snapshotMetaBucket = []byte("snapshot_meta") // per-snapshot info for listings
)

// Config keys
var (
	configRecord = []byte("store")
	manifestKey  = []byte("manifest")
)

// BboltStore implements Store on a single-file bbolt database. Everything
// lives in one file, which makes the store easy to ship around and gives
// snapshot plus manifest updates single-writer transaction semantics.
type BboltStore struct {
	db   *bolt.DB
	path string
}

// NewBboltStore opens or creates a bbolt-backed store at the given path.
func NewBboltStore(path string) (*BboltStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, DirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	// The open timeout turns a file lock held by another process into an
	// error instead of an indefinite block.
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	bs := &BboltStore{db: db, path: path}
	if err := bs.initialize(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return bs, nil
}

func (bs *BboltStore) initialize() error {
	return bs.db.Update(func(tx *bolt.Tx) error {
		// Create all buckets
		for _, bucket := range [][]byte{configBucket, manifestBucket, snapshotsBucket, snapshotMetaBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}

		config := tx.Bucket(configBucket)
		if config.Get(configRecord) != nil {
			return nil
		}

		record := StoreConfig{
			Version:    "1.0.0",
			CreatedAt:  time.Now(),
			LastAccess: time.Now(),
			Structure:  "v1",
		}
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return config.Put(configRecord, data)
	})
}

// Snapshot operations

func (bs *BboltStore) SaveSnapshot(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateSnapshotName(name); err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("snapshot data cannot be empty")
	}

	info := SnapshotInfo{
		Name:      name,
		Size:      int64(len(data)),
		CreatedAt: time.Now(),
	}
	metaData, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot info: %w", err)
	}

	return bs.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(snapshotsBucket).Put([]byte(name), data); err != nil {
			return err
		}
		return tx.Bucket(snapshotMetaBucket).Put([]byte(name), metaData)
	})
}

func (bs *BboltStore) LoadSnapshot(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateSnapshotName(name); err != nil {
		return nil, err
	}

	var data []byte
	err := bs.db.View(func(tx *bolt.Tx) error {
		stored := tx.Bucket(snapshotsBucket).Get([]byte(name))
		if stored == nil {
			return fmt.Errorf("snapshot %q: %w", name, ErrSnapshotNotFound)
		}
		// Make a copy since the slice is only valid during the transaction
		data = append([]byte(nil), stored...)
		return nil
	})
	return data, err
}

func (bs *BboltStore) SnapshotExists(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := validateSnapshotName(name); err != nil {
		return false, err
	}

	var exists bool
	err := bs.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(snapshotsBucket).Get([]byte(name)) != nil
		return nil
	})
	return exists, err
}

func (bs *BboltStore) ListSnapshots(ctx context.Context) ([]SnapshotInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var snapshots []SnapshotInfo
	err := bs.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotMetaBucket).ForEach(func(k, v []byte) error {
			var info SnapshotInfo
			if err := json.Unmarshal(v, &info); err != nil {
				return fmt.Errorf("corrupt snapshot info for %q: %w", k, err)
			}
			snapshots = append(snapshots, info)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].Name < snapshots[j].Name })
	return snapshots, nil
}

func (bs *BboltStore) DeleteSnapshot(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateSnapshotName(name); err != nil {
		return err
	}

	return bs.db.Update(func(tx *bolt.Tx) error {
		snapshots := tx.Bucket(snapshotsBucket)
		if snapshots.Get([]byte(name)) == nil {
			return fmt.Errorf("snapshot %q: %w", name, ErrSnapshotNotFound)
		}
		if err := snapshots.Delete([]byte(name)); err != nil {
			return err
		}
		return tx.Bucket(snapshotMetaBucket).Delete([]byte(name))
	})
}

// Manifest operations

func (bs *BboltStore) SaveManifest(ctx context.Context, data []byte, expectedVersion string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", fmt.Errorf("manifest cannot be empty")
	}

	newVersion := calculateFileVersion(data)
	err := bs.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(manifestBucket)

		// Validate expected version inside the write transaction so the
		// check and the put are atomic.
		if expectedVersion != "" {
			var currentVersion string
			if current := bucket.Get(manifestKey); current != nil {
				currentVersion = calculateFileVersion(current)
			}
			if currentVersion != expectedVersion {
				return ConcurrencyError{
					ExpectedVersion: expectedVersion,
					ActualVersion:   currentVersion,
					Operation:       "SaveManifest",
				}
			}
		}

		return bucket.Put(manifestKey, data)
	})
	if err != nil {
		return "", err
	}
	return newVersion, nil
}

func (bs *BboltStore) LoadManifest(ctx context.Context) (*VersionedData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var versioned *VersionedData
	err := bs.db.View(func(tx *bolt.Tx) error {
		stored := tx.Bucket(manifestBucket).Get(manifestKey)
		if stored == nil {
			return ErrManifestNotFound
		}
		data := append([]byte(nil), stored...)
		versioned = &VersionedData{
			Data:      data,
			Version:   calculateFileVersion(data),
			Timestamp: time.Now(),
		}
		return nil
	})
	return versioned, err
}

func (bs *BboltStore) ManifestExists(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var exists bool
	err := bs.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(manifestBucket).Get(manifestKey) != nil
		return nil
	})
	return exists, err
}

// Health and utilities

func (bs *BboltStore) Ping() error {
	return bs.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(configBucket) == nil {
			return fmt.Errorf("store not initialized")
		}
		return nil
	})
}

func (bs *BboltStore) Close() error {
	// Refresh the last access time before closing, best effort.
	_ = bs.db.Update(func(tx *bolt.Tx) error {
		config := tx.Bucket(configBucket)
		data := config.Get(configRecord)
		if data == nil {
			return nil
		}
		var record StoreConfig
		if err := json.Unmarshal(data, &record); err != nil {
			return nil
		}
		record.LastAccess = time.Now()
		updated, err := json.Marshal(record)
		if err != nil {
			return nil
		}
		return config.Put(configRecord, updated)
	})
	return bs.db.Close()
}

func (bs *BboltStore) GetType() string {
	return string(StoreTypeBbolt)
}
