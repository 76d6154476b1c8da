package dataset

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type ObjectStoreConfig struct {
	Endpoint  string
	Region    string
	Bucket    string
	UseSSL    bool
	AccessKey string
	SecretKey string
}

func (c ObjectStoreConfig) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return errors.New("access key and secret key are required")
	}
	return nil
}

// ObjectStore keeps the dataset in an S3-compatible bucket.
type ObjectStore struct {
	client *minio.Client
	bucket string
}

// NewObjectStore connects and creates the bucket when it does not exist.
func NewObjectStore(ctx context.Context, cfg ObjectStoreConfig) (*ObjectStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("dataset: s3: %w", err)
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("dataset: s3 client: %w", err)
	}

	if err := ensureBucket(ctx, client, cfg.Bucket, cfg.Region); err != nil {
		return nil, fmt.Errorf("dataset: ensure bucket %s: %w", cfg.Bucket, err)
	}
	return &ObjectStore{client: client, bucket: cfg.Bucket}, nil
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket string, region string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region})
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Put uploads data; message is stored as object metadata.
func (s *ObjectStore) Put(ctx context.Context, p string, data []byte, message string) error {
	key, err := cleanPath(p)
	if err != nil {
		return err
	}
	opts := minio.PutObjectOptions{ContentType: contentType(key)}
	if message != "" {
		opts.UserMetadata = map[string]string{"Commit-Message": message}
	}
	if _, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), opts); err != nil {
		return fmt.Errorf("dataset: put %s: %w", key, err)
	}
	return nil
}

func (s *ObjectStore) List(ctx context.Context, prefix string) ([]string, error) {
	pre := cleanPrefix(prefix)
	opts := minio.ListObjectsOptions{Recursive: true}
	if pre != "" {
		opts.Prefix = pre + "/"
	}

	out := []string{}
	for obj := range s.client.ListObjects(ctx, s.bucket, opts) {
		if obj.Err != nil {
			return nil, fmt.Errorf("dataset: list %s: %w", pre, obj.Err)
		}
		out = append(out, obj.Key)
	}
	sort.Strings(out)
	return out, nil
}

func (s *ObjectStore) Get(ctx context.Context, p string) ([]byte, error) {
	key, err := cleanPath(p)
	if err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("dataset: get %s: %w", key, err)
	}
	defer obj.Close()

	b, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("dataset: get %s: %w", key, err)
	}
	return b, nil
}

func contentType(key string) string {
	switch {
	case strings.HasSuffix(key, ".json"):
		return "application/json"
	case strings.HasSuffix(key, ".md"):
		return "text/markdown; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}
