package blobd

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/blobd/internal/storage"
	"pkt.systems/blobd/internal/storage/disk"
	"pkt.systems/blobd/internal/storage/memory"
	"pkt.systems/blobd/internal/storage/s3"
	"pkt.systems/pslog"
)

func openBackend(cfg Config, logger pslog.Logger) (storage.Backend, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "mem", "memory", "":
		return memory.New(), nil
	case "disk":
		diskCfg, err := BuildDiskConfig(cfg)
		if err != nil {
			return nil, err
		}
		diskCfg.Logger = logger
		return disk.New(diskCfg)
	case "s3":
		s3cfg, err := BuildS3Config(cfg)
		if err != nil {
			return nil, err
		}
		return s3.New(s3cfg)
	case "aws":
		awscfg, err := BuildAWSConfig(cfg)
		if err != nil {
			return nil, err
		}
		return s3.New(awscfg)
	default:
		return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

// BuildDiskConfig parses disk:// URLs (disk:///var/lib/blobd or disk://relative/path).
func BuildDiskConfig(cfg Config) (disk.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return disk.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "disk" {
		return disk.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	root := u.Path
	if u.Host != "" {
		root = u.Host + u.Path
	}
	root = strings.TrimSpace(root)
	if root == "" {
		return disk.Config{}, fmt.Errorf("disk store missing path (expected disk:///var/lib/blobd)")
	}
	return disk.Config{Root: root}, nil
}

// BuildS3Config parses s3:// URLs that target generic S3-compatible services
// (MinIO, Ceph, gofakes3): s3://host[:port]/bucket[/prefix]?scheme=http&path-style=true.
func BuildS3Config(cfg Config) (s3.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return s3.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "s3" {
		return s3.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	bucket, prefix, err := splitBucketPrefix(u.Path)
	if err != nil {
		return s3.Config{}, err
	}
	query := u.Query()
	secure := true
	if v := query.Get("scheme"); strings.EqualFold(v, "http") {
		secure = false
	}
	for _, key := range []string{"tls", "secure"} {
		if v := query.Get(key); v != "" {
			if ok, err := strconv.ParseBool(v); err == nil {
				secure = ok
			}
		}
	}
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil && ok {
			secure = false
		}
	}
	forcePath := false
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			forcePath = ok
		}
	}
	return s3.Config{
		Endpoint:       endpoint,
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       !secure,
		ForcePathStyle: forcePath,
		CustomCreds:    staticCredentials(cfg),
	}, nil
}

// BuildAWSConfig parses aws:// URLs targeting AWS S3 proper:
// aws://bucket[/prefix]?region=eu-north-1.
func BuildAWSConfig(cfg Config) (s3.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return s3.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "aws" {
		return s3.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return s3.Config{}, fmt.Errorf("aws store missing bucket (expected aws://bucket[/prefix])")
	}
	prefix := strings.Trim(u.Path, "/")
	return s3.Config{
		Region:      u.Query().Get("region"),
		Bucket:      bucket,
		Prefix:      prefix,
		CustomCreds: staticCredentials(cfg),
	}, nil
}

func splitBucketPrefix(path string) (string, string, error) {
	path = strings.Trim(strings.TrimPrefix(path, "/"), "/")
	if path == "" {
		return "", "", fmt.Errorf("s3 store missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	parts := strings.SplitN(path, "/", 2)
	bucket := strings.TrimSpace(parts[0])
	if bucket == "" {
		return "", "", fmt.Errorf("s3 store missing bucket name")
	}
	prefix := ""
	if len(parts) == 2 {
		prefix = strings.Trim(parts[1], "/")
	}
	return bucket, prefix, nil
}

// staticCredentials returns explicit credentials when the config carries
// them; nil lets the backend fall through to its ambient chain (env, shared
// credentials file, IAM).
func staticCredentials(cfg Config) *minioCredentials.Credentials {
	if cfg.S3AccessKeyID == "" || cfg.S3SecretAccessKey == "" {
		return nil
	}
	return minioCredentials.NewStaticV4(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, cfg.S3SessionToken)
}
