package agent

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ArtifactStore persists render outputs and returns a URI the control plane
// can hand back to the owner.
type ArtifactStore interface {
	Put(ctx context.Context, objectName string, data []byte, contentType string) (string, error)
}

func NewArtifactStore(cfg Config) (ArtifactStore, error) {
	switch cfg.ArtifactBackend {
	case "local", "":
		return &localArtifactStore{root: cfg.ArtifactRoot}, nil
	case "minio":
		if cfg.MinIOEndpoint == "" {
			return nil, fmt.Errorf("RENDERFLOW_MINIO_ENDPOINT is required when RENDERFLOW_ARTIFACT_BACKEND=minio")
		}
		client, err := minio.New(cfg.MinIOEndpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.MinIOAccessKey, cfg.MinIOSecretKey, ""),
			Secure: cfg.MinIOUseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("minio client: %w", err)
		}
		return &minioArtifactStore{client: client, bucket: cfg.MinIOBucket}, nil
	default:
		return nil, fmt.Errorf("unsupported RENDERFLOW_ARTIFACT_BACKEND value %q", cfg.ArtifactBackend)
	}
}

type localArtifactStore struct {
	root string
}

func (s *localArtifactStore) Put(_ context.Context, objectName string, data []byte, _ string) (string, error) {
	path := filepath.Join(s.root, filepath.FromSlash(objectName))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return "file://" + path, nil
}

type minioArtifactStore struct {
	client *minio.Client
	bucket string
}

func (s *minioArtifactStore) Put(ctx context.Context, objectName string, data []byte, contentType string) (string, error) {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return "", err
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return "", err
		}
	}
	_, err = s.client.PutObject(ctx, s.bucket, objectName, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, objectName), nil
}
