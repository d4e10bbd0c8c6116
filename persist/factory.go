package persist

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
)

var snapshotNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// NewStore is a factory building a storage backend from a DSN:
//
//	file:///var/lib/strongroom
//	bbolt:///var/lib/strongroom.db
//	s3://ACCESS:SECRET@play.min.io:9000/bucket/prefix?region=us-east-1&ssl=true
//
// A DSN without a scheme selects the filesystem backend.
func NewStore(dsn string) (Store, error) {
	switch {
	case dsn == "":
		return nil, fmt.Errorf("store DSN cannot be empty")

	case strings.HasPrefix(dsn, "file://"):
		return NewFileSystemStore(strings.TrimPrefix(dsn, "file://"))

	case strings.HasPrefix(dsn, "bbolt://"):
		return NewBboltStore(strings.TrimPrefix(dsn, "bbolt://"))

	case strings.HasPrefix(dsn, "s3://"):
		config, err := parseS3DSN(dsn)
		if err != nil {
			return nil, err
		}
		return NewS3Store(config)

	case strings.Contains(dsn, "://"):
		return nil, fmt.Errorf("unsupported store scheme in DSN %q", dsn)

	default:
		return NewFileSystemStore(dsn)
	}
}

// parseS3DSN extracts an S3Config from a DSN. Credentials come from the
// URL userinfo when present, otherwise from the SROOM_S3_ACCESS_KEY and
// SROOM_S3_SECRET_KEY environment variables.
func parseS3DSN(dsn string) (S3Config, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return S3Config{}, fmt.Errorf("invalid s3 DSN: %w", err)
	}
	if u.Host == "" {
		return S3Config{}, fmt.Errorf("s3 DSN must include an endpoint")
	}

	config := S3Config{
		Endpoint: u.Host,
		UseSSL:   true,
		Region:   u.Query().Get("region"),
	}

	if ssl := u.Query().Get("ssl"); ssl != "" {
		config.UseSSL = ssl != "false" && ssl != "0"
	}

	if u.User != nil {
		config.AccessKeyID = u.User.Username()
		if secret, ok := u.User.Password(); ok {
			config.SecretAccessKey = secret
		}
	}
	if config.AccessKeyID == "" {
		config.AccessKeyID = os.Getenv("SROOM_S3_ACCESS_KEY")
		config.SecretAccessKey = os.Getenv("SROOM_S3_SECRET_KEY")
	}

	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	if len(parts) == 0 || parts[0] == "" {
		return S3Config{}, fmt.Errorf("s3 DSN must include a bucket")
	}
	config.Bucket = parts[0]
	if len(parts) == 2 {
		config.KeyPrefix = parts[1]
	}

	return config, nil
}

// validateSnapshotName rejects names that could escape the snapshot
// namespace or collide with bookkeeping objects.
func validateSnapshotName(name string) error {
	if name == "" {
		return fmt.Errorf("snapshot name cannot be empty")
	}

	if len(name) > 200 {
		return fmt.Errorf("snapshot name too long (max 200 characters)")
	}

	if !snapshotNameRegex.MatchString(name) {
		return fmt.Errorf("snapshot name contains invalid characters: %q", name)
	}

	if strings.Contains(name, "..") {
		return fmt.Errorf("snapshot name contains directory traversal")
	}

	return nil
}
