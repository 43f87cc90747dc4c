// Package archive keeps a copy of every image classified as dangerous in an
// S3-compatible bucket, keyed by date and fingerprint.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"threat-bot/api/internal/threat"
	"threat-bot/api/internal/util"
)

type Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	UseSSL          bool
	Prefix          string
	// Region skips the bucket location lookup when set.
	Region string
}

type Archive struct {
	client *minio.Client
	bucket string
	prefix string
	now    func() time.Time
}

func New(cfg Config) (*Archive, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: minio client: %w", err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "alerts"
	}
	return &Archive{client: client, bucket: cfg.Bucket, prefix: prefix, now: time.Now}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (a *Archive) EnsureBucket(ctx context.Context) error {
	ok, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("archive: bucket check: %w", err)
	}
	if ok {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("archive: make bucket %s: %w", a.bucket, err)
	}
	return nil
}

// Key returns the object name for img stored at t.
func (a *Archive) Key(img threat.Image, t time.Time) string {
	return fmt.Sprintf("%s/%s/%s%s", a.prefix, t.UTC().Format("2006/01/02"), img.Sum, util.ExtForMIME(img.MIME))
}

// Put uploads img and a .txt sidecar holding the verdict description.
// It returns the image object key.
func (a *Archive) Put(ctx context.Context, img threat.Image, description string) (string, error) {
	key := a.Key(img, a.now())
	_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(img.Data), int64(len(img.Data)), minio.PutObjectOptions{
		ContentType:  img.MIME,
		UserMetadata: map[string]string{"fingerprint": img.Sum.String()},
	})
	if err != nil {
		return "", fmt.Errorf("archive: put %s: %w", key, err)
	}

	note := []byte(description)
	_, err = a.client.PutObject(ctx, a.bucket, key+".txt", bytes.NewReader(note), int64(len(note)), minio.PutObjectOptions{
		ContentType: "text/plain; charset=utf-8",
	})
	if err != nil {
		return key, fmt.Errorf("archive: put %s.txt: %w", key, err)
	}
	return key, nil
}
