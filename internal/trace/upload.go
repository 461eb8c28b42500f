package trace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type UploadConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

func (c UploadConfig) Enabled() bool { return strings.TrimSpace(c.Endpoint) != "" }

// Upload copies the trace files in dir to <bucket>/<run>/ on an S3
// compatible store.
func Upload(ctx context.Context, cfg UploadConfig, run, dir string) error {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return fmt.Errorf("artifact endpoint is required to upload traces")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return err
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		bucket = "gps-traces"
	}
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return err
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		contentType := "application/json"
		switch {
		case strings.HasSuffix(name, ".zst"):
			contentType = "application/zstd"
		case strings.HasSuffix(name, ".jsonl"):
			contentType = "application/x-ndjson"
		case !strings.HasSuffix(name, ".json"):
			continue
		}
		object := run + "/" + name
		if _, err := client.FPutObject(ctx, bucket, object, filepath.Join(dir, name), minio.PutObjectOptions{ContentType: contentType}); err != nil {
			return fmt.Errorf("upload %s: %w", name, err)
		}
	}
	return nil
}
