package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"southwinds.dev/strongroom/internal/debug"
)

const (
	ctxTimeout = 10 * time.Second
)

// S3Store implements the Store interface against an S3-compatible object
// store through the MinIO client.
//
// Object layout:
//
//	bucketName/
//	├── [keyPrefix/]store.json       # store bookkeeping record
//	├── [keyPrefix/]manifest.json    # snapshot manifest (versioned by ETag)
//	└── [keyPrefix/]snapshots/
//	    ├── nightly.snap             # encrypted snapshot containers
//	    └── release-1.snap
type S3Store struct {
	// client is the MinIO client used to interact with the object store.
	client *minio.Client

	// bucketName is the bucket holding all store artifacts.
	bucketName string

	// keyPrefix is an optional prefix for the keys in the bucket,
	// allowing namespace separation if multiple applications share it.
	keyPrefix string
}

// S3Config contains the configuration required to connect to S3 (MinIO).
type S3Config struct {
	Endpoint        string // The endpoint for the S3 service.
	AccessKeyID     string // The Access Key ID for accessing the S3 service.
	SecretAccessKey string // The Secret Access Key for accessing the S3 service.
	Bucket          string // The S3 bucket to use.
	KeyPrefix       string // The prefix for keys stored in the S3 bucket.
	UseSSL          bool   // Whether to use SSL for the connection.
	Region          string // The region of the S3 bucket.
}

// NewS3Store initializes a new S3Store from the provided configuration.
// It establishes a connection to the object store, creates the bucket if
// it does not exist and writes the store bookkeeping record on first use.
func NewS3Store(config S3Config) (*S3Store, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint cannot be empty")
	}
	if config.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket cannot be empty")
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &S3Store{
		client:     client,
		bucketName: config.Bucket,
		keyPrefix:  config.KeyPrefix,
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err = store.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}

	if err = store.initializeStoreConfig(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store config: %w", err)
	}

	return store, nil
}

func (s3s *S3Store) ensureBucket(ctx context.Context) error {
	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check if bucket exists: %w", err)
	}

	if !exists {
		err = s3s.client.MakeBucket(ctx, s3s.bucketName, minio.MakeBucketOptions{})
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return nil
}

func (s3s *S3Store) initializeStoreConfig(ctx context.Context) error {
	objectName := s3s.buildPath("store.json")

	debug.Print("initializeStoreConfig: object name: '%s'\n", objectName)

	_, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err == nil {
		return nil
	}
	if minioErr := minio.ToErrorResponse(err); minioErr.Code != "NoSuchKey" {
		return fmt.Errorf("failed to check store config: %w", err)
	}

	config := StoreConfig{
		Version:    "1.0.0",
		CreatedAt:  time.Now().UTC(),
		LastAccess: time.Now().UTC(),
		Structure:  "v1",
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal store config: %w", err)
	}

	_, err = s3s.client.PutObject(
		ctx,
		s3s.bucketName,
		objectName,
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{
			ContentType: "application/json",
			UserMetadata: map[string]string{
				"data-type":         "store-config",
				"version":           config.Version,
				"structure-version": config.Structure,
				"created-at":        config.CreatedAt.Format(time.RFC3339),
			},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to create store config: %w", err)
	}
	return nil
}

// Snapshot operations

func (s3s *S3Store) SaveSnapshot(ctx context.Context, name string, data []byte) error {
	if err := validateSnapshotName(name); err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("snapshot data cannot be empty")
	}

	objectName := s3s.snapshotObjectName(name)

	// Lowercase-hyphen metadata keys for portability across S3 backends
	putOptions := minio.PutObjectOptions{
		ContentType: "application/octet-stream",
		UserMetadata: map[string]string{
			"data-type":  "snapshot",
			"created-at": time.Now().UTC().Format(time.RFC3339),
		},
	}

	_, err := s3s.client.PutObject(ctx, s3s.bucketName, objectName,
		bytes.NewReader(data), int64(len(data)), putOptions)
	if err != nil {
		return fmt.Errorf("failed to save snapshot %q: %w", name, err)
	}
	return nil
}

func (s3s *S3Store) LoadSnapshot(ctx context.Context, name string) ([]byte, error) {
	if err := validateSnapshotName(name); err != nil {
		return nil, err
	}

	objectName := s3s.snapshotObjectName(name)

	object, err := s3s.client.GetObject(ctx, s3s.bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, fmt.Errorf("snapshot %q: %w", name, ErrSnapshotNotFound)
		}
		return nil, fmt.Errorf("failed to get snapshot %q: %w", name, err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		// GetObject is lazy, a missing key often surfaces here.
		if s3s.isNotFoundError(err) {
			return nil, fmt.Errorf("snapshot %q: %w", name, ErrSnapshotNotFound)
		}
		return nil, fmt.Errorf("failed to read snapshot %q: %w", name, err)
	}
	return data, nil
}

func (s3s *S3Store) SnapshotExists(ctx context.Context, name string) (bool, error) {
	if err := validateSnapshotName(name); err != nil {
		return false, err
	}

	_, err := s3s.client.StatObject(ctx, s3s.bucketName, s3s.snapshotObjectName(name), minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("failed to check snapshot existence: %w", err)
	}

	return true, nil
}

func (s3s *S3Store) ListSnapshots(ctx context.Context) ([]SnapshotInfo, error) {
	prefix := s3s.buildPath("snapshots") + "/"

	debug.Print("ListSnapshots: listing with prefix: %s\n", prefix)

	objectCh := s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	var snapshots []SnapshotInfo
	for object := range objectCh {
		if object.Err != nil {
			return nil, fmt.Errorf("error listing objects: %w", object.Err)
		}

		if !strings.HasSuffix(object.Key, snapshotExtension) {
			continue
		}

		name := strings.TrimSuffix(strings.TrimPrefix(object.Key, prefix), snapshotExtension)

		// ListObjects does not include user metadata, so the created-at
		// tag needs a StatObject per entry. Fall back to LastModified.
		createdAt := object.LastModified
		if statInfo, err := s3s.client.StatObject(ctx, s3s.bucketName, object.Key, minio.StatObjectOptions{}); err == nil {
			if raw, exists := statInfo.UserMetadata["Created-At"]; exists {
				if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
					createdAt = parsed
				}
			}
		}

		snapshots = append(snapshots, SnapshotInfo{
			Name:      name,
			Size:      object.Size,
			CreatedAt: createdAt,
		})
	}

	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].Name < snapshots[j].Name })
	return snapshots, nil
}

func (s3s *S3Store) DeleteSnapshot(ctx context.Context, name string) error {
	if err := validateSnapshotName(name); err != nil {
		return err
	}

	objectName := s3s.snapshotObjectName(name)

	// RemoveObject succeeds on missing keys, so check first to report
	// the sentinel.
	_, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return fmt.Errorf("snapshot %q: %w", name, ErrSnapshotNotFound)
		}
		return fmt.Errorf("failed to check snapshot %q: %w", name, err)
	}

	if err := s3s.client.RemoveObject(ctx, s3s.bucketName, objectName, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete snapshot %q: %w", name, err)
	}
	return nil
}

// Manifest operations

func (s3s *S3Store) SaveManifest(ctx context.Context, data []byte, expectedVersion string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("manifest cannot be empty")
	}

	objectName := s3s.manifestObjectName()

	putOptions := minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"created-at": time.Now().UTC().Format(time.RFC3339),
		},
	}

	if expectedVersion != "" {
		currentVersion, err := s3s.getObjectVersion(ctx, objectName)
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

		// If-match condition makes the update atomic on backends that
		// honor it.
		putOptions.SetMatchETag(expectedVersion)
	}

	uploadInfo, err := s3s.client.PutObject(ctx, s3s.bucketName, objectName,
		bytes.NewReader(data), int64(len(data)), putOptions)
	if err != nil {
		if s3s.isPreconditionFailedError(err) {
			currentVersion, _ := s3s.getObjectVersion(ctx, objectName)
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       "SaveManifest",
			}
		}
		return "", fmt.Errorf("failed to save manifest: %w", err)
	}

	return s3s.cleanETag(uploadInfo.ETag), nil
}

func (s3s *S3Store) LoadManifest(ctx context.Context) (*VersionedData, error) {
	objectName := s3s.manifestObjectName()

	object, err := s3s.client.GetObject(ctx, s3s.bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, ErrManifestNotFound
		}
		return nil, fmt.Errorf("failed to load manifest: %w", err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, ErrManifestNotFound
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	objectInfo, err := object.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to get manifest info: %w", err)
	}

	// Parse timestamp from metadata, fallback to LastModified
	timestamp := objectInfo.LastModified
	if createdAt, exists := objectInfo.UserMetadata["Created-At"]; exists {
		if parsedTime, err := time.Parse(time.RFC3339, createdAt); err == nil {
			timestamp = parsedTime
		}
	}

	return &VersionedData{
		Data:      data,
		Version:   s3s.cleanETag(objectInfo.ETag),
		Timestamp: timestamp,
	}, nil
}

func (s3s *S3Store) ManifestExists(ctx context.Context) (bool, error) {
	_, err := s3s.client.StatObject(ctx, s3s.bucketName, s3s.manifestObjectName(), minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("failed to check manifest existence: %w", err)
	}

	return true, nil
}

// Health and utilities

func (s3s *S3Store) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to ping S3: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s3s.bucketName)
	}
	return nil
}

func (s3s *S3Store) Close() error {
	// Update last access time in the store config, best effort.
	objectName := s3s.buildPath("store.json")

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	object, err := s3s.client.GetObject(ctx, s3s.bucketName, objectName, minio.GetObjectOptions{})
	if err == nil {
		defer object.Close()

		if configData, err := io.ReadAll(object); err == nil {
			var config StoreConfig
			if err := json.Unmarshal(configData, &config); err == nil {
				config.LastAccess = time.Now().UTC()

				if updatedData, err := json.MarshalIndent(config, "", "  "); err == nil {
					_, _ = s3s.client.PutObject(
						ctx,
						s3s.bucketName,
						objectName,
						bytes.NewReader(updatedData),
						int64(len(updatedData)),
						minio.PutObjectOptions{
							ContentType: "application/json",
							UserMetadata: map[string]string{
								"data-type":  "store-config",
								"updated-at": time.Now().UTC().Format(time.RFC3339),
							},
						},
					)
				}
			}
		}
	}
	return nil
}

func (s3s *S3Store) GetType() string {
	return string(StoreTypeS3)
}

// Helper methods
func (s3s *S3Store) buildPath(components ...string) string {
	var parts []string
	if s3s.keyPrefix != "" {
		cleanPrefix := strings.Trim(s3s.keyPrefix, "/")
		if cleanPrefix != "" {
			parts = append(parts, cleanPrefix)
		}
	}
	for _, component := range components {
		if component != "" {
			parts = append(parts, component)
		}
	}
	return strings.Join(parts, "/")
}

func (s3s *S3Store) snapshotObjectName(name string) string {
	return s3s.buildPath("snapshots", name+snapshotExtension)
}

func (s3s *S3Store) manifestObjectName() string {
	return s3s.buildPath("manifest.json")
}

func (s3s *S3Store) getObjectVersion(ctx context.Context, objectName string) (string, error) {
	objInfo, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return "", nil // Object doesn't exist, version is empty
		}
		return "", err
	}
	return s3s.cleanETag(objInfo.ETag), nil
}

func (s3s *S3Store) cleanETag(etag string) string {
	// Remove quotes from ETag
	return strings.Trim(etag, "\"")
}

func (s3s *S3Store) isPreconditionFailedError(err error) bool {
	return minio.ToErrorResponse(err).Code == "PreconditionFailed"
}

func (s3s *S3Store) isNotFoundError(err error) bool {
	var errResp minio.ErrorResponse
	if errors.As(err, &errResp) {
		return errResp.Code == "NoSuchKey" || errResp.Code == "NotFound"
	}
	return false
}
