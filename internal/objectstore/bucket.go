package objectstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type BucketConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// Bucket stores objects in an S3-compatible bucket. Classifications map to key
// prefixes ("raw/<publicId>"); signed and private URLs are presigned GETs.
// Delivery modes collapse: every signed URL is the same presigned GET.
type Bucket struct {
	client    *minio.Client
	bucket    string
	signedTTL time.Duration
	now       func() time.Time
}

func NewBucket(cfg BucketConfig) (*Bucket, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, ErrNotConfigured
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	// A fixed region keeps presigning local; minio-go would otherwise look the
	// bucket location up over the network.
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Bucket{client: client, bucket: cfg.Bucket, signedTTL: time.Hour, now: time.Now}, nil
}

func (b *Bucket) objectKey(publicID string, class Classification, ext string) string {
	if class == "" {
		class = ClassRaw
	}
	return string(class) + "/" + withExtension(strings.TrimPrefix(publicID, "/"), ext)
}

func (b *Bucket) DeliveryURL(opts URLOptions) (string, error) {
	if opts.PublicID == "" {
		return "", fmt.Errorf("delivery url: public id is required")
	}
	key := b.objectKey(opts.PublicID, opts.Classification, opts.Extension)
	if !opts.Signed {
		endpoint := *b.client.EndpointURL()
		endpoint.Path = "/" + b.bucket + "/" + key
		return endpoint.String(), nil
	}
	return b.presign(key, b.signedTTL)
}

func (b *Bucket) PrivateDownloadURL(publicID string, class Classification, format string, expiresAt time.Time) (string, error) {
	if publicID == "" {
		return "", fmt.Errorf("private download url: public id is required")
	}
	ttl := expiresAt.Sub(b.now())
	if ttl < time.Second {
		ttl = time.Second
	}
	return b.presign(b.objectKey(publicID, class, format), ttl)
}

func (b *Bucket) presign(key string, ttl time.Duration) (string, error) {
	u, err := b.client.PresignedGetObject(context.Background(), b.bucket, key, ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return u.String(), nil
}

// Delete removes the object under the classification prefix. S3 deletes are
// silent for missing keys, so existence is checked first to report not-found.
func (b *Bucket) Delete(ctx context.Context, publicID string, class Classification) (DeleteResult, error) {
	key := b.objectKey(publicID, class, "")
	if _, err := b.client.StatObject(ctx, b.bucket, key, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return DeleteNotFound, nil
		}
		return "", fmt.Errorf("stat %s: %w", key, err)
	}
	if err := b.client.RemoveObject(ctx, b.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return "", fmt.Errorf("remove %s: %w", key, err)
	}
	return Deleted, nil
}
