// Package objectstore builds retrieval URLs for stored document objects and
// deletes them. Two backends exist: a Cloudinary-compatible delivery/admin API
// and an S3-compatible bucket accessed through minio-go.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"servicedesk/api/internal/config"
)

// Classification is the provider's coarse resource bucket an object was stored under.
type Classification string

const (
	ClassRaw   Classification = "raw"
	ClassImage Classification = "image"
)

// Delivery is the visibility mode of a delivery URL.
type Delivery string

const (
	DeliveryPublic        Delivery = "upload"
	DeliveryAuthenticated Delivery = "authenticated"
	DeliveryPrivate       Delivery = "private"
)

var (
	Classifications = []Classification{ClassRaw, ClassImage}
	Deliveries      = []Delivery{DeliveryPublic, DeliveryAuthenticated, DeliveryPrivate}
)

type DeleteResult string

const (
	Deleted        DeleteResult = "ok"
	DeleteNotFound DeleteResult = "not found"
)

var ErrNotConfigured = errors.New("object storage not configured")

// URLOptions describes one delivery URL. Version and Extension are optional.
type URLOptions struct {
	PublicID       string
	Classification Classification
	Delivery       Delivery
	Version        string
	Extension      string
	Signed         bool
}

// Signer computes delivery URLs without contacting the provider.
type Signer interface {
	DeliveryURL(opts URLOptions) (string, error)
	PrivateDownloadURL(publicID string, class Classification, format string, expiresAt time.Time) (string, error)
}

type Deleter interface {
	Delete(ctx context.Context, publicID string, class Classification) (DeleteResult, error)
}

type Provider interface {
	Signer
	Deleter
}

// New builds the provider selected by cfg.Backend.
func New(cfg config.Storage, client *http.Client) (Provider, error) {
	switch cfg.Backend {
	case config.StorageBackendCloud:
		cloud, err := NewCloud(CloudConfig{
			Name:         cfg.CloudName,
			APIKey:       cfg.CloudAPIKey,
			APISecret:    cfg.CloudAPISecret,
			DeliveryHost: cfg.CloudDeliveryHost,
			APIHost:      cfg.CloudAPIHost,
		}, client)
		if err != nil {
			return nil, err
		}
		return cloud, nil
	case config.StorageBackendS3:
		bucket, err := NewBucket(BucketConfig{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			return nil, err
		}
		return bucket, nil
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrNotConfigured, cfg.Backend)
	}
}

func withExtension(publicID, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		return publicID
	}
	return publicID + "." + ext
}
