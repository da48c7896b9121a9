package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// SnapshotStore archives full document snapshots that are too large to
// keep inline on edit-event rows. Certificate generation reads them
// back through presigned URLs.
type SnapshotStore interface {
	PutSnapshot(ctx context.Context, documentID, eventID string, before, after string) (key string, err error)
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
}

// MinioSnapshotStore implements SnapshotStore on MinIO/S3-compatible
// storage.
type MinioSnapshotStore struct {
	client *minio.Client
	bucket string
}

// NewMinioSnapshotStore connects to MinIO and ensures the bucket exists.
func NewMinioSnapshotStore(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioSnapshotStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	return &MinioSnapshotStore{client: client, bucket: bucket}, nil
}

type snapshotPayload struct {
	EventID string `json:"eventId"`
	Before  string `json:"before"`
	After   string `json:"after"`
}

// PutSnapshot uploads both snapshot sides as one JSON object and
// returns its key.
func (m *MinioSnapshotStore) PutSnapshot(ctx context.Context, documentID, eventID string, before, after string) (string, error) {
	key := fmt.Sprintf("documents/%s/snapshots/%s.json", documentID, eventID)
	data, err := json.Marshal(snapshotPayload{EventID: eventID, Before: before, After: after})
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return "", fmt.Errorf("put snapshot: %w", err)
	}
	return key, nil
}

// PresignGet generates a pre-signed GET URL.
func (m *MinioSnapshotStore) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	url, err := m.client.PresignedGetObject(ctx, m.bucket, key, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign snapshot: %w", err)
	}
	return url.String(), nil
}

// Delete removes an archived snapshot.
func (m *MinioSnapshotStore) Delete(ctx context.Context, key string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}
