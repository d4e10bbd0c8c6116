package persist

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	testAccessKey = "minioadmin"
	testSecretKey = "minioadmin"
)

// TestS3Store runs the shared store suite against MinIO. With no
// S3_MINIO_ENDPOINT in the environment a throwaway container is started;
// the test skips when that fails (no docker on the host).
func TestS3Store(t *testing.T) {
	if os.Getenv("S3_MINIO_ENDPOINT") == "" {
		t.Setenv("S3_MINIO_ENDPOINT", startMinioContainer(t))
	}

	t.Run("runS3StoreTest", func(t *testing.T) {
		runS3StoreTest(t)
	})
}

// startMinioContainer boots a MinIO container and returns its endpoint URL.
func startMinioContainer(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "minio/minio:latest",
			ExposedPorts: []string{"9000/tcp"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     testAccessKey,
				"MINIO_ROOT_PASSWORD": testSecretKey,
			},
			Cmd:        []string{"server", "/data"},
			WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp"),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("Skipping: failed to start MinIO container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Warning: failed to terminate MinIO container: %v", err)
		}
	})

	port, err := container.MappedPort(ctx, "9000")
	if err != nil {
		t.Fatalf("Failed to get mapped port: %v", err)
	}
	return fmt.Sprintf("http://localhost:%s", port.Port())
}

func runS3StoreTest(t *testing.T) {
	endpointURL := os.Getenv("S3_MINIO_ENDPOINT")
	if endpointURL == "" {
		t.Fatal("S3_MINIO_ENDPOINT not set")
	}
	endpoint, useSSL := parseEndpoint(endpointURL)
	if sslEnv := os.Getenv("S3_MINIO_USE_SSL"); sslEnv != "" {
		useSSL = parseBool(sslEnv)
	}

	cfg := S3Config{
		Endpoint:        endpoint,
		AccessKeyID:     envOr("S3_MINIO_ACCESS_KEY_ID", testAccessKey),
		SecretAccessKey: envOr("S3_MINIO_SECRET_ACCESS_KEY", testSecretKey),
		Bucket:          envOr("S3_BUCKET", "test-strongroom-store"),
		KeyPrefix:       envOr("S3_KEY_PREFIX", "test/"),
		UseSSL:          useSSL,
		Region:          envOr("S3_REGION", "us-east-1"),
	}

	t.Logf("Configuring S3Store with endpoint: %s, bucket: %s, useSSL: %v",
		cfg.Endpoint, cfg.Bucket, cfg.UseSSL)

	// Left-over objects from an earlier run would confuse the shared suite.
	if err := cleanupS3Objects(cfg); err != nil {
		t.Logf("Warning: failed to pre-clean S3 objects: %v", err)
	}
	t.Cleanup(func() {
		if err := cleanupS3Objects(cfg); err != nil {
			t.Logf("Warning: failed to clean up S3 objects: %v", err)
		}
	})

	store, err := NewS3Store(cfg)
	if err != nil {
		t.Fatalf("Failed to create S3Store: %v", err)
	}

	testStoreImplementation(t, store)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// parseEndpoint splits a URL into host:port and whether it was https.
func parseEndpoint(endpointURL string) (string, bool) {
	useSSL := strings.HasPrefix(endpointURL, "https://")
	endpoint := strings.TrimPrefix(strings.TrimPrefix(endpointURL, "https://"), "http://")
	if idx := strings.Index(endpoint, "/"); idx != -1 {
		endpoint = endpoint[:idx]
	}
	return endpoint, useSSL
}

func parseBool(value string) bool {
	parsed, err := strconv.ParseBool(value)
	return err == nil && parsed
}

// cleanupS3Objects removes every object under the test bucket.
func cleanupS3Objects(cfg S3Config) error {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return fmt.Errorf("failed to create MinIO client: %v", err)
	}

	ctx := context.Background()
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil || !exists {
		return err
	}

	var failures []string
	for object := range client.ListObjects(ctx, cfg.Bucket, minio.ListObjectsOptions{Recursive: true}) {
		if object.Err != nil {
			failures = append(failures, fmt.Sprintf("error listing object: %v", object.Err))
			continue
		}
		if err := client.RemoveObject(ctx, cfg.Bucket, object.Key, minio.RemoveObjectOptions{}); err != nil {
			failures = append(failures, fmt.Sprintf("failed to delete object %s: %v", object.Key, err))
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("cleanup errors: %s", strings.Join(failures, "; "))
	}
	return nil
}
