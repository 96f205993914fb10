package cachestore

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	log "github.com/sirupsen/logrus"
)

// Mirror is an optional S3-compatible remote cache mirror, following
// gangplank/ocp/filer.go's minio client setup. A cache miss never
// consults the mirror automatically (spec §3 scopes the remote mirror
// to opt-in upload, not a second lookup tier); it exists so a fleet of
// workers can share warm cache entries out of band.
type Mirror struct {
	client *minio.Client
	bucket string
}

// NewMirror dials endpoint with static credentials, mirroring the
// teacher's ocp.newMinioClient construction.
func NewMirror(endpoint, accessKey, secretKey, bucket string, useTLS bool) (*Mirror, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("constructing minio client: %w", err)
	}
	return &Mirror{client: client, bucket: bucket}, nil
}

// Upload pushes a local cache payload to the mirror bucket under a key
// namespaced by layer, best-effort: failures are logged by the caller
// and never fail the local Insert.
func (m *Mirror) Upload(layer Layer, key, localPath string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	objectName := filepath.ToSlash(filepath.Join(string(layer), key))
	_, err := m.client.FPutObject(ctx, m.bucket, objectName, localPath, minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("uploading %s to remote cache mirror: %w", objectName, err)
	}
	log.WithFields(log.Fields{"layer": layer, "key": key, "bucket": m.bucket}).Debug("uploaded cache entry to remote mirror")
	return nil
}

// Fetch pulls a mirrored entry down to localPath, used when warming a
// fresh worker's empty local cache from the shared mirror.
func (m *Mirror) Fetch(layer Layer, key, localPath string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	objectName := filepath.ToSlash(filepath.Join(string(layer), key))
	return m.client.FGetObject(ctx, m.bucket, objectName, localPath, minio.GetObjectOptions{})
}
