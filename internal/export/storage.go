package export

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"report-orchestrator/internal/config"
)

// Object is one file to store.
type Object struct {
	Key         string
	Body        []byte
	ContentType string
	FileName    string
}

// Storage persists export files and returns where they landed.
type Storage interface {
	Put(ctx context.Context, obj Object) (string, error)
}

// NewStorage picks S3 when a bucket is configured, else the local export dir.
func NewStorage(ctx context.Context, cfg config.Config) (Storage, error) {
	if cfg.ExportS3Bucket == "" {
		dir := cfg.ExportDir
		if dir == "" {
			dir = "./exports"
		}
		return &LocalStorage{BaseDir: dir}, nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &S3Storage{client: client, bucket: cfg.ExportS3Bucket}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ExportS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ExportS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ExportS3Endpoint)
		}
		o.UsePathStyle = cfg.ExportS3PathStyle
	}), nil
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	for strings.HasPrefix(key, "../") {
		key = strings.TrimPrefix(key, "../")
	}
	return key
}

// LocalStorage writes exports below BaseDir.
type LocalStorage struct {
	BaseDir string
}

// Put writes obj below BaseDir and returns its file path.
func (l *LocalStorage) Put(_ context.Context, obj Object) (string, error) {
	path := filepath.Join(l.BaseDir, sanitizeKey(obj.Key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, obj.Body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

// S3Storage uploads exports to a bucket.
type S3Storage struct {
	client *s3.Client
	bucket string
}

// Put uploads obj to the bucket and returns its s3:// location.
func (s *S3Storage) Put(ctx context.Context, obj Object) (string, error) {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(sanitizeKey(obj.Key)),
		Body:        bytes.NewReader(obj.Body),
		ContentType: aws.String(obj.ContentType),
	}
	if obj.FileName != "" {
		input.ContentDisposition = aws.String(fmt.Sprintf(`attachment; filename="%s"`, obj.FileName))
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, sanitizeKey(obj.Key)), nil
}
